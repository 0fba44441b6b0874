package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-crmsync/internal/http/middleware"
	"github.com/smallbiznis/valora-crmsync/internal/ratelimit"
	"github.com/smallbiznis/valora-crmsync/internal/telemetry"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	logger *zap.Logger,
	syncHandler *handler.SyncHandler,
	etlHandler *handler.ETLHandler,
	healthHandler *handler.HealthHandler,
	metrics *telemetry.Metrics,
	rateLimiter *ratelimit.Limiter,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))

	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	api := r.Group("/")
	api.Use(rateLimiter.Handler())
	api.Use(otelgin.Middleware(cfg.ServiceName))
	{
		api.POST("/sync", syncHandler.Sync)
		api.POST("/etl/accounts/from-crm", etlHandler.AccountsFromCRM)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": handler.CodeNotFound})
	})

	return r
}
