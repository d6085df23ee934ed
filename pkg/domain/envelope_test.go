package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHeaders_PreserveInsertionOrder(t *testing.T) {
	h := NewHeaders("Content-Type", "text/xml", "SOAPAction", "urn:order", "X-Request-ID", "abc")
	h = h.With("content-type", "application/json")

	assert.Equal(t, []string{"Content-Type", "Soapaction", "X-Request-Id"}, h.Keys())
	v, ok := h.Get("CONTENT-TYPE")
	require.True(t, ok)
	assert.Equal(t, "application/json", v)
}

func TestHeaders_Without(t *testing.T) {
	h := NewHeaders("A", "1", "B", "2", "C", "3").Without("b")

	assert.Equal(t, []string{"A", "C"}, h.Keys())
	_, ok := h.Get("B")
	assert.False(t, ok)
	assert.Equal(t, h, h.Without("missing"))
}

func TestEnvelope_MutatorsReturnCopies(t *testing.T) {
	body := []byte("<order/>")
	orig := NewEnvelope("order-soap-route", body, NewHeaders("Content-Type", "text/xml"))
	body[0] = 'X'

	next := orig.WithBody([]byte(`{"id":"1"}`)).WithContentType("application/json").WithHeader("X-Extra", "yes")

	assert.Equal(t, "<order/>", string(orig.Body()))
	assert.Equal(t, "text/xml", orig.ContentType())
	_, ok := orig.Header("X-Extra")
	assert.False(t, ok)

	assert.Equal(t, `{"id":"1"}`, string(next.Body()))
	assert.Equal(t, "application/json", next.ContentType())
	assert.Equal(t, "order-soap-route", next.RouteID())
}

func TestEnvelope_DownstreamStatus(t *testing.T) {
	env := NewEnvelope("r", nil, Headers{})
	assert.Equal(t, 0, env.DownstreamStatus())
	assert.Equal(t, 201, env.WithHeader(HeaderDownstreamStatus, "201").DownstreamStatus())
	assert.Equal(t, 0, env.WithHeader(HeaderDownstreamStatus, "n/a").DownstreamStatus())
}

func TestHeaders_PropertyOrderAndIsolation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		var h Headers
		var order []string
		seen := map[string]bool{}
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("X-H%d", rapid.IntRange(0, 8).Draw(t, "name"))
			before := h
			beforeKeys := fmt.Sprint(before.Keys())
			h = h.With(name, rapid.String().Draw(t, "value"))
			if fmt.Sprint(before.Keys()) != beforeKeys {
				t.Fatalf("With mutated the receiver")
			}
			canon := NewHeaders(name, "").Keys()[0]
			if !seen[canon] {
				seen[canon] = true
				order = append(order, canon)
			}
		}
		if got := h.Keys(); fmt.Sprint(got) != fmt.Sprint(order) {
			t.Fatalf("order mismatch: got %v want %v", got, order)
		}
	})
}

func TestRouteSpec_CloneIsDeep(t *testing.T) {
	spec := RouteSpec{
		ID: "r",
		Stages: []StageDescriptor{{
			Name: "log",
			Kind: StageLog,
			Config: map[string]any{
				"message": "hi",
				"nested":  map[string]any{"a": []any{"x"}},
			},
		}},
	}
	clone := spec.Clone()
	clone.Stages[0].Config["message"] = "changed"
	clone.Stages[0].Config["nested"].(map[string]any)["a"].([]any)[0] = "y"

	assert.Equal(t, "hi", spec.Stages[0].Config["message"])
	assert.Equal(t, "x", spec.Stages[0].Config["nested"].(map[string]any)["a"].([]any)[0])
}

func TestStageKind_Valid(t *testing.T) {
	for _, k := range []StageKind{StageValidate, StageTransform, StageSetHeader, StageInvokeHTTP, StageLog, StageExtract} {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, StageKind("xslt").Valid())
}
