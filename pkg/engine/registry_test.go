package engine

import (
	"strings"
	"testing"

	"github.com/polisai/polis-esb/internal/governance"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteRegistryUpdateAndLookup(t *testing.T) {
	reg := NewRouteRegistry(assetBuilder(nil), RouteRegistryOptions{Logger: discardLogger()})
	t.Cleanup(func() { _ = reg.Close() })
	assert.False(t, reg.Ready())

	require.NoError(t, reg.Update([]domain.RouteSpec{
		From("b-route", "/B").Log("b").Spec(),
		From("a-route", "/A").Log("a").Spec(),
	}))
	assert.True(t, reg.Ready())

	p, ok := reg.Lookup("/A")
	require.True(t, ok)
	assert.Equal(t, "a-route", p.RouteID())

	p, ok = reg.Route("b-route")
	require.True(t, ok)
	assert.Equal(t, "/B", p.Spec().Path)

	_, ok = reg.Lookup("/missing")
	assert.False(t, ok)

	var ids []string
	for _, p := range reg.Routes() {
		ids = append(ids, p.RouteID())
	}
	assert.Equal(t, []string{"a-route", "b-route"}, ids)
}

func TestRouteRegistryKeepsLastGoodRoutesOnBadReload(t *testing.T) {
	metrics := telemetry.NewMetrics()
	reg := NewRouteRegistry(assetBuilder(nil), RouteRegistryOptions{Metrics: metrics, Logger: discardLogger()})
	t.Cleanup(func() { _ = reg.Close() })

	require.NoError(t, reg.Update([]domain.RouteSpec{From("good", "/Good").Log("ok").Spec()}))
	before, _ := reg.Lookup("/Good")

	err := reg.Update([]domain.RouteSpec{
		From("next", "/Next").Log("ok").Spec(),
		From("broken", "/Broken").Validate("missing.xsd").Spec(),
	})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)

	after, ok := reg.Lookup("/Good")
	require.True(t, ok)
	assert.Same(t, before, after)
	_, ok = reg.Lookup("/Next")
	assert.False(t, ok, "a rejected reload must not be partially applied")

	expected := `
# HELP esb_route_reloads_total Route table reload attempts by status
# TYPE esb_route_reloads_total counter
esb_route_reloads_total{status="error"} 1
esb_route_reloads_total{status="success"} 1
# HELP esb_routes_active Number of routes in the active snapshot
# TYPE esb_routes_active gauge
esb_routes_active 1
`
	require.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
		"esb_route_reloads_total", "esb_routes_active"))
}

func TestRouteRegistryConfiguresRateLimits(t *testing.T) {
	limiter := governance.NewRateLimiter(nil)
	reg := NewRouteRegistry(assetBuilder(nil), RouteRegistryOptions{Limiter: limiter, Logger: discardLogger()})
	t.Cleanup(func() { _ = reg.Close() })

	limited := From("limited", "/L").Log("x").Spec()
	limited.RateLimit = 5
	limited.Burst = 1
	require.NoError(t, reg.Update([]domain.RouteSpec{limited, From("open", "/O").Log("x").Spec()}))

	assert.Equal(t, 5, limiter.Limit("limited"))
	assert.Equal(t, 0, limiter.Limit("open"))
	assert.True(t, limiter.Allow("limited"))
	assert.False(t, limiter.Allow("limited"))
	assert.True(t, limiter.Allow("open"))
}
