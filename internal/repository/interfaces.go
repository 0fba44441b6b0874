package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConnectionRepository reads provider credentials and persists refreshed tokens.
type ConnectionRepository interface {
	GetConnection(ctx context.Context, organizationID string, provider domain.Provider) (domain.Connection, error)
	UpdateTokens(ctx context.Context, organizationID string, provider domain.Provider, accessToken, refreshToken string, expiresAt time.Time) error
}

// SyncStateRepository persists per-stream sync progress.
type SyncStateRepository interface {
	// GetOrCreate returns the state for key, creating it in the initial phase on first use.
	GetOrCreate(ctx context.Context, key domain.SyncKey) (domain.SyncState, error)
	// Save writes state only if its Version still matches the stored one.
	Save(ctx context.Context, state domain.SyncState) (domain.SyncState, error)
	// RecordFailure stamps last_run_at and last_error, leaving progress untouched.
	// It bumps Version, so snapshots read before the failure no longer save.
	RecordFailure(ctx context.Context, key domain.SyncKey, runAt time.Time, message string) error
}

// RawObjectRepository is the idempotent staging table of provider records.
type RawObjectRepository interface {
	UpsertRaw(ctx context.Context, rows []domain.RawObject) error
	ListRaw(ctx context.Context, filter domain.RawFilter) ([]domain.RawObject, error)
}

// AccountRepository writes canonical accounts.
type AccountRepository interface {
	// UpsertAccounts writes all accounts in one statement and returns domain -> canonical id.
	UpsertAccounts(ctx context.Context, accounts []domain.CanonicalAccount) (map[string]int64, error)
}

// LinkRepository writes external links.
type LinkRepository interface {
	UpsertLinks(ctx context.Context, links []domain.ExternalLink) (int, error)
}

// SyncLeaseStore guards a sync stream against concurrent invocations.
type SyncLeaseStore interface {
	Acquire(ctx context.Context, key domain.SyncKey, ttl time.Duration) (Lease, error)
}

// Lease is a held SyncLeaseStore entry.
type Lease interface {
	Release(ctx context.Context) error
}
