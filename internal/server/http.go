package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/valora-crmsync/internal/config"
)

// HTTPServer serves the sync API. A sync call can hold its connection for
// several provider round trips, so shutdown waits up to DrainTimeout for
// in-flight calls before closing them.
type HTTPServer struct {
	Engine       *gin.Engine
	DrainTimeout time.Duration

	logger   *zap.Logger
	inFlight atomic.Int64
}

// NewHTTPServer configures the engine for running behind a proxy.
func NewHTTPServer(router *gin.Engine, cfg config.Config, logger *zap.Logger) *HTTPServer {
	router.HandleMethodNotAllowed = true
	router.ForwardedByClientIP = true
	return &HTTPServer{Engine: router, DrainTimeout: cfg.HTTPDrainTimeout, logger: logger}
}

// InFlight returns the number of requests currently being served.
func (s *HTTPServer) InFlight() int64 { return s.inFlight.Load() }

// Serve accepts on ln until ctx is done, then drains in-flight requests.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           http.HandlerFunc(s.track),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), s.DrainTimeout)
		defer cancel()

		err := srv.Shutdown(drainCtx)
		if err == nil {
			return nil
		}
		if s.logger != nil {
			s.logger.Warn("drain budget exceeded, closing connections",
				zap.Duration("drain_timeout", s.DrainTimeout),
				zap.Int64("in_flight", s.InFlight()),
			)
		}
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	})

	return g.Wait()
}

func (s *HTTPServer) track(w http.ResponseWriter, r *http.Request) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.Engine.ServeHTTP(w, r)
}
