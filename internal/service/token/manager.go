// Package token keeps provider access tokens fresh.
package token

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/adapter/oauth"
	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/repository"
	"github.com/smallbiznis/valora-crmsync/internal/retry"
	"github.com/smallbiznis/valora-crmsync/internal/telemetry"
)

const (
	// reuseWindow is how long a cached token must still be valid to be reused.
	reuseWindow = 30 * time.Second
	// expirySafety is shaved off the provider's expires_in.
	expirySafety = 60 * time.Second
)

// Manager returns a usable access token for a connection, refreshing it when close to expiry.
type Manager struct {
	connections repository.ConnectionRepository
	refresher   oauth.TokenRefresher
	retry       retry.Policy
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires dependencies.
func NewManager(connections repository.ConnectionRepository, refresher oauth.TokenRefresher, policy retry.Policy, metrics *telemetry.Metrics, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		connections: connections,
		refresher:   refresher,
		retry:       policy,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("github.com/smallbiznis/valora-crmsync/internal/service/token"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidToken returns conn's access token if it stays valid for the reuse window,
// otherwise performs a refresh grant and persists the result before returning it.
// A failed refresh leaves the stored credentials unchanged.
func (m *Manager) ValidToken(ctx context.Context, conn domain.Connection) (string, error) {
	now := m.now()
	if conn.AccessToken != "" && conn.ExpiresAt.After(now.Add(reuseWindow)) {
		return conn.AccessToken, nil
	}

	ctx, span := m.tracer.Start(ctx, "token.Manager.Refresh", trace.WithAttributes(
		attribute.String("organization_id", conn.OrganizationID),
		attribute.String("provider", conn.Provider.String()),
	))
	defer span.End()

	var grant *domain.TokenGrant
	err := retry.Do(ctx, m.retry, func(ctx context.Context) error {
		g, err := m.refresher.Refresh(ctx, conn.Provider, conn.RefreshToken)
		if err != nil {
			return err
		}
		grant = g
		return nil
	})
	if err == nil && grant.AccessToken == "" {
		err = &domain.UpstreamError{
			Op:  fmt.Sprintf("refresh %s token", conn.Provider),
			Err: &domain.MalformedResponseError{Err: fmt.Errorf("empty access_token")},
		}
	}
	if err != nil {
		span.RecordError(err)
		m.observe(conn.Provider, "error")
		m.logger.Warn("token refresh failed",
			zap.String("organization_id", conn.OrganizationID),
			zap.String("provider", conn.Provider.String()),
			zap.Error(err),
		)
		return "", err
	}

	expiresAt := m.now().Add(grant.ExpiresIn - expirySafety)
	if err := m.connections.UpdateTokens(ctx, conn.OrganizationID, conn.Provider, grant.AccessToken, grant.RefreshToken, expiresAt); err != nil {
		span.RecordError(err)
		m.observe(conn.Provider, "error")
		return "", err
	}

	m.observe(conn.Provider, "ok")
	m.logger.Info("token refreshed",
		zap.String("organization_id", conn.OrganizationID),
		zap.String("provider", conn.Provider.String()),
		zap.Time("expires_at", expiresAt),
	)
	return grant.AccessToken, nil
}

func (m *Manager) observe(provider domain.Provider, status string) {
	if m.metrics == nil {
		return
	}
	m.metrics.TokenRefresh.WithLabelValues(provider.String(), status).Inc()
}
