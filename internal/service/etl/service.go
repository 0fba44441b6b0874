// Package etl resolves staged CRM records into canonical accounts and external links.
package etl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/repository"
	"github.com/smallbiznis/valora-crmsync/internal/telemetry"
)

// Steps reported by StepError.
const (
	StepLoadRaw        = "load_raw"
	StepMap            = "map"
	StepUpsertAccounts = "upsert_accounts"
	StepLink           = "link"
)

// NoteNoRecentChanges is returned when the lookback window holds no raw rows.
const NoteNoRecentChanges = "no recent changes"

// StepError tags the pipeline step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// Input is one ETL invocation.
type Input struct {
	OrganizationID string
	Provider       domain.Provider
	// LookbackMinutes limits the run to rows ingested within the window. Zero reads all rows.
	LookbackMinutes int
}

// Result summarizes an ETL run.
type Result struct {
	Provider         domain.Provider
	UpsertedAccounts int
	Linked           int
	Note             string
}

// Service runs the account ETL.
type Service struct {
	raw      repository.RawObjectRepository
	accounts repository.AccountRepository
	links    repository.LinkRepository
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires dependencies.
func NewService(raw repository.RawObjectRepository, accounts repository.AccountRepository, links repository.LinkRepository, metrics *telemetry.Metrics, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		raw:      raw,
		accounts: accounts,
		links:    links,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/valora-crmsync/internal/service/etl"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type mappedRow struct {
	row       domain.RawObject
	candidate Candidate
}

// FromCRM maps raw provider accounts, reconciles them per domain, upserts the winners
// and links every source row to its canonical account. Re-running it over the same
// rows is idempotent. Written accounts are not rolled back if linking fails.
func (s *Service) FromCRM(ctx context.Context, in Input) (Result, error) {
	in.OrganizationID = strings.TrimSpace(in.OrganizationID)
	if in.OrganizationID == "" {
		return Result{}, fmt.Errorf("organizationId missing: %w", domain.ErrInvalidRequest)
	}
	if in.LookbackMinutes < 0 {
		return Result{}, fmt.Errorf("lookbackMinutes must not be negative: %w", domain.ErrInvalidRequest)
	}
	objectType, err := SourceObjectType(in.Provider)
	if err != nil {
		return Result{}, err
	}

	ctx, span := s.tracer.Start(ctx, "etl.Service.FromCRM", trace.WithAttributes(
		attribute.String("organization_id", in.OrganizationID),
		attribute.String("provider", in.Provider.String()),
	))
	defer span.End()

	res, err := s.run(ctx, in, objectType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "etl failed")
		s.logger.Error("account etl failed",
			zap.String("organization_id", in.OrganizationID),
			zap.String("provider", in.Provider.String()),
			zap.Error(err),
		)
		return Result{}, err
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, in Input, objectType string) (Result, error) {
	res := Result{Provider: in.Provider}

	filter := domain.RawFilter{OrganizationID: in.OrganizationID, Provider: in.Provider, ObjectType: objectType}
	if in.LookbackMinutes > 0 {
		since := s.now().Add(-time.Duration(in.LookbackMinutes) * time.Minute)
		filter.SeenSince = &since
	}
	rows, err := s.raw.ListRaw(ctx, filter)
	if err != nil {
		return res, &StepError{Step: StepLoadRaw, Err: err}
	}
	if len(rows) == 0 {
		res.Note = NoteNoRecentChanges
		return res, nil
	}

	mapped := make([]mappedRow, 0, len(rows))
	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		c, ok, err := Map(row)
		if err != nil {
			return res, &StepError{Step: StepMap, Err: err}
		}
		if !ok {
			continue
		}
		mapped = append(mapped, mappedRow{row: row, candidate: c})
		candidates = append(candidates, c)
	}

	winners := Reconcile(candidates)
	accounts := make([]domain.CanonicalAccount, len(winners))
	for i, w := range winners {
		accounts[i] = w.Account()
	}
	ids, err := s.accounts.UpsertAccounts(ctx, accounts)
	if err != nil {
		return res, &StepError{Step: StepUpsertAccounts, Err: err}
	}
	res.UpsertedAccounts = len(ids)

	linked, err := s.links.UpsertLinks(ctx, buildLinks(mapped, ids))
	if err != nil {
		return res, &StepError{Step: StepLink, Err: err}
	}
	res.Linked = linked

	if s.metrics != nil {
		s.metrics.AccountsUpserted.WithLabelValues(in.Provider.String()).Add(float64(res.UpsertedAccounts))
		s.metrics.LinksUpserted.WithLabelValues(in.Provider.String()).Add(float64(res.Linked))
	}
	s.logger.Info("account etl finished",
		zap.String("organization_id", in.OrganizationID),
		zap.String("provider", in.Provider.String()),
		zap.Int("raw_rows", len(rows)),
		zap.Int("candidates", len(candidates)),
		zap.Int("accounts", res.UpsertedAccounts),
		zap.Int("linked", res.Linked),
	)
	return res, nil
}

// buildLinks emits one link per mapped row whose domain resolved to a canonical id.
// Rows whose domain did not resolve are skipped.
func buildLinks(rows []mappedRow, ids map[string]int64) []domain.ExternalLink {
	links := make([]domain.ExternalLink, 0, len(rows))
	for _, m := range rows {
		id, ok := ids[m.candidate.Domain]
		if !ok {
			continue
		}
		links = append(links, domain.ExternalLink{
			OrganizationID:   m.row.OrganizationID,
			Provider:         m.row.Provider,
			ObjectType:       m.row.ObjectType,
			ProviderObjectID: m.row.ProviderObjectID,
			CanonicalTable:   domain.CanonicalTableAccounts,
			CanonicalID:      id,
		})
	}
	return links
}
