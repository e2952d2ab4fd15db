package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragcore/internal/api"
	"ragcore/internal/breaker"
	"ragcore/internal/gateway"
	"ragcore/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGateway() *gateway.Gateway {
	return gateway.New(
		gateway.Endpoint{URL: "http://example.invalid/chat", Model: "m"},
		gateway.Endpoint{},
		gateway.Endpoint{URL: "http://example.invalid/embed", Model: "m"},
		gateway.Endpoint{},
		breaker.DefaultConfig(),
		gateway.RetryConfig{Base: 1, Cap: 1, MaxAttempts: 1},
	)
}

func TestServerHealthRouteReportsDependencyState(t *testing.T) {
	handler := api.NewHandler(nil, nil, testGateway(), nil, nil, nil, discardLogger(), 4000, true)
	srv := New(":0", handler, ratelimit.NewRegistry(1000, 1000), discardLogger())

	resp, err := srv.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	deps, ok := body["dependencies"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "closed", deps["model_gateway"])
}

func TestServerUnknownRouteIsNotFound(t *testing.T) {
	handler := api.NewHandler(nil, nil, testGateway(), nil, nil, nil, discardLogger(), 4000, true)
	srv := New(":0", handler, ratelimit.NewRegistry(1000, 1000), discardLogger())

	resp, err := srv.app.Test(httptest.NewRequest("GET", "/nonexistent", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestServerRateLimitsRequestsPerTenant(t *testing.T) {
	handler := api.NewHandler(nil, nil, testGateway(), nil, nil, nil, discardLogger(), 4000, true)
	srv := New(":0", handler, ratelimit.NewRegistry(1, 1000), discardLogger())

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Tenant-ID", "tenant-a")
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	req2 := httptest.NewRequest("GET", "/health", nil)
	req2.Header.Set("X-Tenant-ID", "tenant-a")
	resp2, err := srv.app.Test(req2)
	require.NoError(t, err)
	assert.Equal(t, 429, resp2.StatusCode)
}
