package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/domain"
	httptransport "github.com/smallbiznis/valora-crmsync/internal/http"
	"github.com/smallbiznis/valora-crmsync/internal/http/handler"
	"github.com/smallbiznis/valora-crmsync/internal/ratelimit"
	"github.com/smallbiznis/valora-crmsync/internal/service/crmsync"
	"github.com/smallbiznis/valora-crmsync/internal/service/etl"
	"github.com/smallbiznis/valora-crmsync/internal/telemetry"
)

type okSyncer struct{}

func (okSyncer) Run(ctx context.Context, in crmsync.RunInput) ([]crmsync.ObjectResult, error) {
	return []crmsync.ObjectResult{{Object: "companies", Phase: domain.PhaseInitial}}, nil
}

type okETL struct{}

func (okETL) FromCRM(ctx context.Context, in etl.Input) (etl.Result, error) {
	return etl.Result{Provider: in.Provider}, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func newRouter(limiter *ratelimit.Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	return httptransport.NewRouter(
		config.Config{ServiceName: "crmsync-test"},
		logger,
		handler.NewSyncHandler(okSyncer{}, logger),
		handler.NewETLHandler(okETL{}, logger),
		handler.NewHealthHandler(okPinger{}, logger),
		telemetry.NewMetrics(),
		limiter,
	)
}

func TestRoutes(t *testing.T) {
	r := newRouter(nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"organizationId":"org-1"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/etl/accounts/from-crm", strings.NewReader(`{"organizationId":"org-1","provider":"hubspot"}`)))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := newRouter(nil)
	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"organizationId":"org-1"}`))
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestAPIRateLimited(t *testing.T) {
	r := newRouter(ratelimit.New(0.001, 1))

	send := func() int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"organizationId":"org-1"}`)))
		return w.Code
	}
	require.Equal(t, http.StatusOK, send())
	require.Equal(t, http.StatusTooManyRequests, send())
}
