// AngelaMos | 2026
// handler_test.go

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func healthy() Checker {
	return pingFunc(func(context.Context) error { return nil })
}

func broken() Checker {
	return pingFunc(func(context.Context) error { return errors.New("connection refused") })
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadiness(t *testing.T) {
	h := NewHandler(
		Dependency{Name: "database", Checker: healthy(), Critical: true},
		Dependency{Name: "redis", Checker: healthy()},
	)

	rec := serve(h, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Checks, 2)
	assert.Equal(t, "database", body.Checks[0].Name)
	assert.Equal(t, "redis", body.Checks[1].Name)
}

func TestReadinessDegraded(t *testing.T) {
	h := NewHandler(
		Dependency{Name: "database", Checker: healthy(), Critical: true},
		Dependency{Name: "redis", Checker: broken()},
		Dependency{Name: "cache"},
	)

	rec := serve(h, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDegraded, body.Status)
	assert.True(t, body.Checks[0].Healthy)
	assert.False(t, body.Checks[1].Healthy)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	assert.Equal(t, "not configured", body.Checks[2].Message)
}

func TestReadinessCriticalStoreDown(t *testing.T) {
	h := NewHandler(
		Dependency{Name: "database", Checker: healthy(), Critical: true},
		Dependency{Name: "redis", Checker: broken(), Critical: true},
	)

	rec := serve(h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnavailable, body.Status)
	assert.True(t, body.Checks[1].Critical)
	assert.Equal(t, "unreachable", body.Checks[1].Message)
}

func TestLivenessDuringShutdown(t *testing.T) {
	h := NewHandler()

	assert.Equal(t, http.StatusOK, serve(h, "/healthz").Code)

	h.SetShutdown(true)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, "/livez").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, "/readyz").Code)

	var body StatusResponse
	rec := serve(h, "/readyz")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusShuttingDown, body.Status)
}
