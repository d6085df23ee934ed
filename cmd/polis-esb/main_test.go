package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/polisai/polis-esb/pkg/config"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/logging"
	"github.com/polisai/polis-esb/pkg/soap"
	"github.com/polisai/polis-esb/pkg/storage"
	"github.com/polisai/polis-esb/pkg/supplier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOrder = `<order><id>ORD-42</id><customer><name>Jane Roe</name><email>jane@example.com</email></customer><items><item><sku>SKU-1</sku><qty>2</qty></item></items></order>`

func testLogger() *slog.Logger {
	return logging.NewLogger(logging.Config{Level: "error", Output: io.Discard})
}

// useRepoAssets points the asset directories at the bundled schemas and
// stylesheets.
func useRepoAssets(t *testing.T) {
	t.Helper()
	t.Setenv("ESB_ASSETS__SCHEMA_DIR", "../../assets/schemas")
	t.Setenv("ESB_ASSETS__STYLESHEET_DIR", "../../assets/stylesheets")
}

func exampleRoutes(t *testing.T, supplierURL string) []domain.RouteSpec {
	t.Helper()
	specs, err := config.LoadRoutes("../../routes.example.yaml")
	require.NoError(t, err)
	for i := range specs[0].Stages {
		if specs[0].Stages[i].Kind == domain.StageInvokeHTTP {
			specs[0].Stages[i].Config["url"] = supplierURL
		}
	}
	return specs
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "check", "migrate"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestAppRunsExampleRouteEndToEnd(t *testing.T) {
	useRepoAssets(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	sink := supplier.NewServer(storage.NewMemoryOrderStore(), testLogger())
	downstream := httptest.NewServer(sink.Handler())
	defer downstream.Close()

	a, err := newApp(cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.registry.Update(exampleRoutes(t, downstream.URL+"/ingest")))

	esb := httptest.NewServer(a.listener.Handler())
	defer esb.Close()
	admin := httptest.NewServer(a.admin.Handler())
	defer admin.Close()

	resp, err := http.Post(esb.URL+"/OrderService", soap.ContentType, bytes.NewReader(soap.BuildEnvelope([]byte(sampleOrder))))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"id":"ORD-42","customer":{"name":"Jane Roe","email":"jane@example.com"},"items":[{"sku":"SKU-1","qty":2}]}`, string(body))

	ordersResp, err := http.Get(downstream.URL + "/orders")
	require.NoError(t, err)
	defer ordersResp.Body.Close()
	var orders []map[string]any
	require.NoError(t, json.NewDecoder(ordersResp.Body).Decode(&orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "ORD-42", orders[0]["id"])
	assert.Contains(t, orders[0], "orderDate")

	runsResp, err := http.Get(admin.URL + "/runs?route=order-soap-route")
	require.NoError(t, err)
	defer runsResp.Body.Close()
	var runs []map[string]any
	require.NoError(t, json.NewDecoder(runsResp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "success", runs[0]["status"])
	assert.EqualValues(t, 201, runs[0]["downstream_status"])
}

func TestCheckCommandReportsExampleRoutes(t *testing.T) {
	useRepoAssets(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"check",
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--routes", "../../routes.example.yaml",
		"--log-level", "error",
	})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "ok   order-soap-route /OrderService")
	assert.Contains(t, out.String(), "1 route(s) OK")
}

func TestCheckRoutesCountsEveryBrokenRoute(t *testing.T) {
	useRepoAssets(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	specs := exampleRoutes(t, "http://localhost:5000/ingest")
	broken := specs[0].Clone()
	broken.ID = "bad-schema"
	broken.Path = "/Bad"
	for i := range broken.Stages {
		if broken.Stages[i].Kind == domain.StageValidate {
			broken.Stages[i].Config["schema"] = "missing.xsd"
		}
	}
	empty := domain.RouteSpec{ID: "empty", Path: "/Empty"}
	specs = append(specs, broken, empty)

	var out bytes.Buffer
	problems := checkRoutes(&out, newCheckBuilder(cfg, testLogger()), specs)

	assert.Equal(t, 2, problems)
	assert.Contains(t, out.String(), "ok   order-soap-route")
	assert.Contains(t, out.String(), "FAIL bad-schema")
	assert.Contains(t, out.String(), "FAIL empty")
}

func TestCheckRoutesRejectsDuplicatePaths(t *testing.T) {
	useRepoAssets(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	specs := exampleRoutes(t, "http://localhost:5000/ingest")
	twin := specs[0].Clone()
	twin.ID = "order-soap-route-v2"
	specs = append(specs, twin)

	var out bytes.Buffer
	problems := checkRoutes(&out, newCheckBuilder(cfg, testLogger()), specs)

	assert.Equal(t, 1, problems)
	assert.True(t, strings.Contains(out.String(), "already served by route"), out.String())
}

func TestMigrateCommandReportsVersion(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"migrate",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--db", filepath.Join(dir, "esb.db"),
		"--log-level", "error",
	})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "schema version 2 (dirty=false)")
}
