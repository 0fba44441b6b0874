// Package crmsync pulls CRM objects into raw staging, backfilling first and then
// following changes incrementally.
package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/adapter/crm"
	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/repository"
	"github.com/smallbiznis/valora-crmsync/internal/telemetry"
)

const (
	MinPageLimit = 1
	MaxPageLimit = 10

	// maxStallPages bounds the extra pages an incremental run may take to
	// page past a group of records sharing its since timestamp.
	maxStallPages = 100
)

// TokenSource yields a usable access token for a connection.
type TokenSource interface {
	ValidToken(ctx context.Context, conn domain.Connection) (string, error)
}

// FetcherResolver returns the page fetcher of a provider.
type FetcherResolver interface {
	Fetcher(provider domain.Provider) (crm.PageFetcher, error)
}

// RunInput is one sync invocation.
type RunInput struct {
	OrganizationID string
	Provider       domain.Provider
	// PageLimit bounds pages per object type. Zero selects the configured default.
	PageLimit int
}

// ObjectResult summarizes one object type after a run.
type ObjectResult struct {
	Object     string
	Pages      int
	Total      int
	Phase      domain.Phase
	NextCursor *domain.Cursor
	Since      *time.Time
}

// Service orchestrates sync runs.
type Service struct {
	connections repository.ConnectionRepository
	tokens      TokenSource
	fetchers    FetcherResolver
	states      repository.SyncStateRepository
	raw         repository.RawObjectRepository
	leases      repository.SyncLeaseStore
	cfg         config.SyncConfig
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires dependencies. A nil lease store disables the concurrency guard.
func NewService(
	connections repository.ConnectionRepository,
	tokens TokenSource,
	fetchers FetcherResolver,
	states repository.SyncStateRepository,
	raw repository.RawObjectRepository,
	leases repository.SyncLeaseStore,
	cfg config.SyncConfig,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		connections: connections,
		tokens:      tokens,
		fetchers:    fetchers,
		states:      states,
		raw:         raw,
		leases:      leases,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("github.com/smallbiznis/valora-crmsync/internal/service/crmsync"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClampPageLimit applies the default and bounds a caller supplied page limit.
func ClampPageLimit(limit, fallback int) int {
	if limit == 0 {
		limit = fallback
	}
	if limit < MinPageLimit {
		return MinPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// Run syncs every object type of the provider in order. The first failure aborts the
// remaining object types and is returned; states of completed object types stay saved.
func (s *Service) Run(ctx context.Context, in RunInput) ([]ObjectResult, error) {
	in.OrganizationID = strings.TrimSpace(in.OrganizationID)
	if in.OrganizationID == "" {
		return nil, fmt.Errorf("organizationId missing: %w", domain.ErrInvalidRequest)
	}
	if in.Provider == "" {
		in.Provider = domain.ProviderHubSpot
	}
	pageLimit := ClampPageLimit(in.PageLimit, s.cfg.DefaultPageLimit)

	ctx, span := s.tracer.Start(ctx, "crmsync.Service.Run", trace.WithAttributes(
		attribute.String("organization_id", in.OrganizationID),
		attribute.String("provider", in.Provider.String()),
		attribute.Int("page_limit", pageLimit),
	))
	defer span.End()

	results, err := s.run(ctx, in, pageLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		s.countRun(in.Provider, runStatus(err))
		return nil, err
	}
	s.countRun(in.Provider, "ok")
	return results, nil
}

func (s *Service) run(ctx context.Context, in RunInput, pageLimit int) ([]ObjectResult, error) {
	fetcher, err := s.fetchers.Fetcher(in.Provider)
	if err != nil {
		return nil, err
	}
	conn, err := s.connections.GetConnection(ctx, in.OrganizationID, in.Provider)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.ValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	objects := fetcher.ObjectTypes()
	results := make([]ObjectResult, 0, len(objects))
	for _, object := range objects {
		key := domain.SyncKey{OrganizationID: in.OrganizationID, Provider: in.Provider, ObjectType: object}
		res, err := s.syncObject(ctx, fetcher, conn, token, key, pageLimit)
		if err != nil {
			return nil, fmt.Errorf("sync %s: %w", object, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) syncObject(ctx context.Context, fetcher crm.PageFetcher, conn domain.Connection, token string, key domain.SyncKey, pageLimit int) (ObjectResult, error) {
	ctx, span := s.tracer.Start(ctx, "crmsync.Service.syncObject", trace.WithAttributes(attribute.String("object", key.ObjectType)))
	defer span.End()

	if s.leases != nil {
		lease, err := s.leases.Acquire(ctx, key, s.cfg.LeaseTTL)
		if err != nil {
			return ObjectResult{}, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release sync lease", zap.String("object", key.ObjectType), zap.Error(err))
			}
		}()
	}

	state, err := s.states.GetOrCreate(ctx, key)
	if err != nil {
		return ObjectResult{}, err
	}

	runAt := s.now()
	res, next, err := s.pull(ctx, fetcher, conn, token, state, pageLimit)
	if err != nil {
		span.RecordError(err)
		s.recordFailure(ctx, key, runAt, err)
		return ObjectResult{}, err
	}

	saved, err := s.states.Save(ctx, next)
	if err != nil {
		span.RecordError(err)
		return ObjectResult{}, err
	}

	res.Object = key.ObjectType
	res.Phase = saved.Phase
	res.NextCursor = saved.Cursor
	res.Since = saved.Since
	s.logger.Info("object synced",
		zap.String("organization_id", key.OrganizationID),
		zap.String("provider", key.Provider.String()),
		zap.String("object", key.ObjectType),
		zap.Int("pages", res.Pages),
		zap.Int("records", res.Total),
		zap.String("phase", string(saved.Phase)),
	)
	return res, nil
}

// pull fetches up to pageLimit pages and returns the state to persist on success.
func (s *Service) pull(ctx context.Context, fetcher crm.PageFetcher, conn domain.Connection, token string, state domain.SyncState, pageLimit int) (ObjectResult, domain.SyncState, error) {
	var (
		res    ObjectResult
		cursor *domain.Cursor
		since  *time.Time
	)
	switch state.Phase {
	case domain.PhaseContinuous:
		since = state.Since
	default:
		cursor = state.Cursor
	}

	// highWater starts at the stored mark so it can only move forward.
	highWater := state.Since
	exhausted := false
	for res.Pages < pageLimit || stalled(state, highWater, res.Pages-pageLimit) {
		page, err := fetcher.FetchPage(ctx, crm.PageRequest{
			OrganizationID: state.OrganizationID,
			AccessToken:    token,
			BaseURL:        conn.InstanceURL,
			ObjectType:     state.ObjectType,
			Cursor:         cursor,
			Since:          since,
			PageSize:       s.cfg.PageSize,
		})
		if err != nil {
			return res, state, err
		}

		seenAt := s.now()
		rows := make([]domain.RawObject, 0, len(page.Records))
		for _, rec := range page.Records {
			props, err := json.Marshal(rec.Properties)
			if err != nil {
				return res, state, fmt.Errorf("encode %s %s: %w", state.ObjectType, rec.ID, err)
			}
			rows = append(rows, domain.RawObject{
				OrganizationID:   state.OrganizationID,
				Provider:         state.Provider,
				ObjectType:       state.ObjectType,
				ProviderObjectID: rec.ID,
				Properties:       props,
				UpdatedAt:        rec.UpdatedAt,
				LastSeenAt:       seenAt,
			})
			if highWater == nil || rec.UpdatedAt.After(*highWater) {
				ts := rec.UpdatedAt
				highWater = &ts
			}
		}
		if err := s.raw.UpsertRaw(ctx, rows); err != nil {
			return res, state, err
		}

		res.Pages++
		res.Total += len(rows)
		s.countPage(state, len(rows))

		cursor = page.Next
		if cursor.IsZero() {
			exhausted = true
			break
		}
	}

	next := state
	finishedAt := s.now()
	next.LastRunAt = &finishedAt
	next.LastSuccessAt = &finishedAt
	next.LastError = nil
	next.Since = highWater

	switch {
	case state.Phase == domain.PhaseContinuous:
		next.Cursor = nil
	case exhausted:
		next.Phase = domain.PhaseContinuous
		next.Cursor = nil
		if next.Since == nil {
			next.Since = &finishedAt
		}
	default:
		next.Phase = domain.PhaseInitial
		next.Cursor = cursor
	}
	return res, next, nil
}

// stalled reports whether an incremental run has only seen records at its
// starting since. The inclusive filter returns those again on every run, so
// stopping at the page limit would never reach what comes after them.
func stalled(state domain.SyncState, highWater *time.Time, extra int) bool {
	if state.Phase != domain.PhaseContinuous || state.Since == nil || highWater == nil {
		return false
	}
	return extra < maxStallPages && highWater.Equal(*state.Since)
}

// recordFailure stamps the failure without touching phase, cursor or since.
// The store also bumps the version, which fences off a stale run whose lease lapsed.
func (s *Service) recordFailure(ctx context.Context, key domain.SyncKey, runAt time.Time, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	if err := s.states.RecordFailure(context.WithoutCancel(ctx), key, runAt, cause.Error()); err != nil {
		s.logger.Warn("record sync failure", zap.String("object", key.ObjectType), zap.Error(err))
	}
	s.logger.Error("object sync failed",
		zap.String("organization_id", key.OrganizationID),
		zap.String("provider", key.Provider.String()),
		zap.String("object", key.ObjectType),
		zap.Error(cause),
	)
}

func (s *Service) countPage(state domain.SyncState, records int) {
	if s.metrics == nil {
		return
	}
	s.metrics.PagesFetched.WithLabelValues(state.Provider.String(), state.ObjectType).Inc()
	s.metrics.RecordsPersisted.WithLabelValues(state.Provider.String(), state.ObjectType).Add(float64(records))
}

func (s *Service) countRun(provider domain.Provider, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SyncRuns.WithLabelValues(provider.String(), status).Inc()
}

func runStatus(err error) string {
	switch {
	case errors.Is(err, domain.ErrSyncInProgress), errors.Is(err, domain.ErrStateConflict):
		return "conflict"
	default:
		return "error"
	}
}
