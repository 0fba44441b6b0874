package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

// Compile-time interface assertions.
var (
	_ ConnectionRepository = (*PostgresConnectionRepo)(nil)
	_ SyncStateRepository  = (*PostgresSyncStateRepo)(nil)
	_ RawObjectRepository  = (*PostgresRawObjectRepo)(nil)
	_ AccountRepository    = (*PostgresAccountRepo)(nil)
	_ LinkRepository       = (*PostgresLinkRepo)(nil)
)

// PostgresConnectionRepo implements ConnectionRepository.
type PostgresConnectionRepo struct {
	db DBTX
}

func NewPostgresConnectionRepo(db DBTX) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

const selectConnectionSQL = `
SELECT organization_id, provider, access_token, refresh_token, expires_at, COALESCE(instance_url, ''), updated_at
FROM crm_connections
WHERE organization_id = $1 AND provider = $2`

func (r *PostgresConnectionRepo) GetConnection(ctx context.Context, organizationID string, provider domain.Provider) (domain.Connection, error) {
	var (
		conn        domain.Connection
		providerRaw string
	)
	err := r.db.QueryRow(ctx, selectConnectionSQL, organizationID, string(provider)).Scan(
		&conn.OrganizationID,
		&providerRaw,
		&conn.AccessToken,
		&conn.RefreshToken,
		&conn.ExpiresAt,
		&conn.InstanceURL,
		&conn.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Connection{}, fmt.Errorf("%s/%s: %w", organizationID, provider, domain.ErrConnectionNotFound)
	}
	if err != nil {
		return domain.Connection{}, &domain.StoreError{Op: "load connection", Err: err}
	}
	conn.Provider = domain.Provider(providerRaw)
	return conn, nil
}

const updateTokensSQL = `
UPDATE crm_connections
SET access_token = $3, refresh_token = $4, expires_at = $5, updated_at = NOW()
WHERE organization_id = $1 AND provider = $2`

func (r *PostgresConnectionRepo) UpdateTokens(ctx context.Context, organizationID string, provider domain.Provider, accessToken, refreshToken string, expiresAt time.Time) error {
	tag, err := r.db.Exec(ctx, updateTokensSQL, organizationID, string(provider), accessToken, refreshToken, expiresAt)
	if err != nil {
		return &domain.StoreError{Op: "persist refreshed token", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", organizationID, provider, domain.ErrConnectionNotFound)
	}
	return nil
}

// PostgresSyncStateRepo implements SyncStateRepository.
type PostgresSyncStateRepo struct {
	db DBTX
}

func NewPostgresSyncStateRepo(db DBTX) *PostgresSyncStateRepo {
	return &PostgresSyncStateRepo{db: db}
}

const ensureSyncStateSQL = `
INSERT INTO crm_sync_state (organization_id, provider, object_type, phase)
VALUES ($1, $2, $3, 'initial')
ON CONFLICT (organization_id, provider, object_type) DO NOTHING`

const selectSyncStateSQL = `
SELECT phase, cursor, since, last_run_at, last_success_at, last_error, version
FROM crm_sync_state
WHERE organization_id = $1 AND provider = $2 AND object_type = $3`

func (r *PostgresSyncStateRepo) GetOrCreate(ctx context.Context, key domain.SyncKey) (domain.SyncState, error) {
	if _, err := r.db.Exec(ctx, ensureSyncStateSQL, key.OrganizationID, string(key.Provider), key.ObjectType); err != nil {
		return domain.SyncState{}, &domain.StoreError{Op: "create sync state", Err: err}
	}

	state := domain.SyncState{SyncKey: key}
	var (
		phase  string
		cursor []byte
	)
	if err := r.db.QueryRow(ctx, selectSyncStateSQL, key.OrganizationID, string(key.Provider), key.ObjectType).Scan(
		&phase,
		&cursor,
		&state.Since,
		&state.LastRunAt,
		&state.LastSuccessAt,
		&state.LastError,
		&state.Version,
	); err != nil {
		return domain.SyncState{}, &domain.StoreError{Op: "load sync state", Err: err}
	}
	state.Phase = domain.Phase(phase)

	if len(cursor) > 0 {
		var c domain.Cursor
		if err := json.Unmarshal(cursor, &c); err != nil {
			return domain.SyncState{}, &domain.StoreError{Op: "decode sync cursor", Err: err}
		}
		if !c.IsZero() {
			state.Cursor = &c
		}
	}
	return state, nil
}

const saveSyncStateSQL = `
UPDATE crm_sync_state
SET phase = $4, cursor = $5, since = $6, last_run_at = $7, last_success_at = $8, last_error = $9, version = version + 1
WHERE organization_id = $1 AND provider = $2 AND object_type = $3 AND version = $10
RETURNING version`

func (r *PostgresSyncStateRepo) Save(ctx context.Context, state domain.SyncState) (domain.SyncState, error) {
	var cursor []byte
	if !state.Cursor.IsZero() {
		encoded, err := json.Marshal(state.Cursor)
		if err != nil {
			return domain.SyncState{}, &domain.StoreError{Op: "encode sync cursor", Err: err}
		}
		cursor = encoded
	}

	var version int64
	err := r.db.QueryRow(ctx, saveSyncStateSQL,
		state.OrganizationID,
		string(state.Provider),
		state.ObjectType,
		string(state.Phase),
		cursor,
		state.Since,
		state.LastRunAt,
		state.LastSuccessAt,
		state.LastError,
		state.Version,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SyncState{}, fmt.Errorf("%s/%s/%s: %w", state.OrganizationID, state.Provider, state.ObjectType, domain.ErrStateConflict)
	}
	if err != nil {
		return domain.SyncState{}, &domain.StoreError{Op: "save sync state", Err: err}
	}
	state.Version = version
	return state, nil
}

// recordSyncFailureSQL bumps version so a run still holding the pre-failure
// snapshot (one whose lease expired mid-run) cannot save over it.
const recordSyncFailureSQL = `
UPDATE crm_sync_state
SET last_run_at = $4, last_error = $5, version = version + 1
WHERE organization_id = $1 AND provider = $2 AND object_type = $3`

func (r *PostgresSyncStateRepo) RecordFailure(ctx context.Context, key domain.SyncKey, runAt time.Time, message string) error {
	if _, err := r.db.Exec(ctx, recordSyncFailureSQL, key.OrganizationID, string(key.Provider), key.ObjectType, runAt, message); err != nil {
		return &domain.StoreError{Op: "record sync failure", Err: err}
	}
	return nil
}

// PostgresRawObjectRepo implements RawObjectRepository.
type PostgresRawObjectRepo struct {
	db DBTX
}

func NewPostgresRawObjectRepo(db DBTX) *PostgresRawObjectRepo {
	return &PostgresRawObjectRepo{db: db}
}

const upsertRawSQL = `
INSERT INTO crm_raw_objects (organization_id, provider, object_type, provider_object_id, properties, updated_at, last_seen_at)
SELECT t.organization_id, t.provider, t.object_type, t.provider_object_id, t.properties::jsonb, t.updated_at, t.last_seen_at
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::timestamptz[], $7::timestamptz[])
    AS t(organization_id, provider, object_type, provider_object_id, properties, updated_at, last_seen_at)
ON CONFLICT (organization_id, provider, object_type, provider_object_id) DO UPDATE SET
    properties = EXCLUDED.properties,
    updated_at = EXCLUDED.updated_at,
    last_seen_at = EXCLUDED.last_seen_at`

func (r *PostgresRawObjectRepo) UpsertRaw(ctx context.Context, rows []domain.RawObject) error {
	rows = dedupeRaw(rows)
	if len(rows) == 0 {
		return nil
	}

	n := len(rows)
	var (
		orgs       = make([]string, n)
		providers  = make([]string, n)
		objects    = make([]string, n)
		ids        = make([]string, n)
		properties = make([]string, n)
		updatedAt  = make([]time.Time, n)
		lastSeenAt = make([]time.Time, n)
	)
	for i, row := range rows {
		orgs[i] = row.OrganizationID
		providers[i] = string(row.Provider)
		objects[i] = row.ObjectType
		ids[i] = row.ProviderObjectID
		properties[i] = string(row.Properties)
		if len(row.Properties) == 0 {
			properties[i] = "{}"
		}
		updatedAt[i] = row.UpdatedAt
		lastSeenAt[i] = row.LastSeenAt
	}

	if _, err := r.db.Exec(ctx, upsertRawSQL, orgs, providers, objects, ids, properties, updatedAt, lastSeenAt); err != nil {
		return &domain.StoreError{Op: "upsert raw objects", Err: err}
	}
	return nil
}

// dedupeRaw keeps the last occurrence of each key so one statement never touches a row twice.
func dedupeRaw(rows []domain.RawObject) []domain.RawObject {
	type rawKey struct{ org, provider, object, id string }
	index := make(map[rawKey]int, len(rows))
	out := make([]domain.RawObject, 0, len(rows))
	for _, row := range rows {
		k := rawKey{row.OrganizationID, string(row.Provider), row.ObjectType, row.ProviderObjectID}
		if i, ok := index[k]; ok {
			out[i] = row
			continue
		}
		index[k] = len(out)
		out = append(out, row)
	}
	return out
}

const listRawSQL = `
SELECT organization_id, provider, object_type, provider_object_id, properties, updated_at, last_seen_at
FROM crm_raw_objects
WHERE organization_id = $1 AND provider = $2 AND object_type = $3
  AND ($4::timestamptz IS NULL OR last_seen_at >= $4)
ORDER BY updated_at ASC, provider_object_id ASC`

func (r *PostgresRawObjectRepo) ListRaw(ctx context.Context, filter domain.RawFilter) ([]domain.RawObject, error) {
	rows, err := r.db.Query(ctx, listRawSQL, filter.OrganizationID, string(filter.Provider), filter.ObjectType, filter.SeenSince)
	if err != nil {
		return nil, &domain.StoreError{Op: "load raw objects", Err: err}
	}
	defer rows.Close()

	var out []domain.RawObject
	for rows.Next() {
		var (
			row         domain.RawObject
			providerRaw string
			properties  []byte
		)
		if err := rows.Scan(
			&row.OrganizationID,
			&providerRaw,
			&row.ObjectType,
			&row.ProviderObjectID,
			&properties,
			&row.UpdatedAt,
			&row.LastSeenAt,
		); err != nil {
			return nil, &domain.StoreError{Op: "load raw objects", Err: err}
		}
		row.Provider = domain.Provider(providerRaw)
		row.Properties = json.RawMessage(properties)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "load raw objects", Err: err}
	}
	return out, nil
}

// PostgresAccountRepo implements AccountRepository.
type PostgresAccountRepo struct {
	db        DBTX
	snowflake *snowflake.Node
}

func NewPostgresAccountRepo(db DBTX, node *snowflake.Node) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db, snowflake: node}
}

const upsertAccountsSQL = `
INSERT INTO accounts (id, organization_id, domain, name, arr, updated_at)
SELECT t.id, t.organization_id, t.domain, t.name, t.arr, t.updated_at
FROM unnest($1::bigint[], $2::text[], $3::text[], $4::text[], $5::float8[], $6::timestamptz[])
    AS t(id, organization_id, domain, name, arr, updated_at)
ON CONFLICT (organization_id, domain) DO UPDATE SET
    name = EXCLUDED.name,
    arr = EXCLUDED.arr,
    updated_at = EXCLUDED.updated_at
RETURNING id, domain`

func (r *PostgresAccountRepo) UpsertAccounts(ctx context.Context, accounts []domain.CanonicalAccount) (map[string]int64, error) {
	if len(accounts) == 0 {
		return map[string]int64{}, nil
	}

	n := len(accounts)
	var (
		ids       = make([]int64, n)
		orgs      = make([]string, n)
		domains   = make([]string, n)
		names     = make([]string, n)
		arrs      = make([]pgtype.Float8, n)
		updatedAt = make([]time.Time, n)
	)
	for i, acct := range accounts {
		ids[i] = r.snowflake.Generate().Int64()
		orgs[i] = acct.OrganizationID
		domains[i] = acct.Domain
		names[i] = acct.Name
		if acct.ARR != nil {
			arrs[i] = pgtype.Float8{Float64: *acct.ARR, Valid: true}
		}
		updatedAt[i] = acct.UpdatedAt
	}

	rows, err := r.db.Query(ctx, upsertAccountsSQL, ids, orgs, domains, names, arrs, updatedAt)
	if err != nil {
		return nil, &domain.StoreError{Op: "upsert accounts", Err: err}
	}
	defer rows.Close()

	resolved := make(map[string]int64, n)
	for rows.Next() {
		var (
			id         int64
			acctDomain string
		)
		if err := rows.Scan(&id, &acctDomain); err != nil {
			return nil, &domain.StoreError{Op: "upsert accounts", Err: err}
		}
		resolved[acctDomain] = id
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Op: "upsert accounts", Err: err}
	}
	return resolved, nil
}

// PostgresLinkRepo implements LinkRepository.
type PostgresLinkRepo struct {
	db DBTX
}

func NewPostgresLinkRepo(db DBTX) *PostgresLinkRepo {
	return &PostgresLinkRepo{db: db}
}

const upsertLinksSQL = `
INSERT INTO external_links (organization_id, provider, object_type, provider_object_id, canonical_table, canonical_id, updated_at)
SELECT t.organization_id, t.provider, t.object_type, t.provider_object_id, t.canonical_table, t.canonical_id, NOW()
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::bigint[])
    AS t(organization_id, provider, object_type, provider_object_id, canonical_table, canonical_id)
ON CONFLICT (organization_id, provider, object_type, provider_object_id) DO UPDATE SET
    canonical_table = EXCLUDED.canonical_table,
    canonical_id = EXCLUDED.canonical_id,
    updated_at = EXCLUDED.updated_at`

func (r *PostgresLinkRepo) UpsertLinks(ctx context.Context, links []domain.ExternalLink) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}

	n := len(links)
	var (
		orgs      = make([]string, n)
		providers = make([]string, n)
		objects   = make([]string, n)
		ids       = make([]string, n)
		tables    = make([]string, n)
		canonical = make([]int64, n)
	)
	for i, link := range links {
		orgs[i] = link.OrganizationID
		providers[i] = string(link.Provider)
		objects[i] = link.ObjectType
		ids[i] = link.ProviderObjectID
		tables[i] = link.CanonicalTable
		canonical[i] = link.CanonicalID
	}

	tag, err := r.db.Exec(ctx, upsertLinksSQL, orgs, providers, objects, ids, tables, canonical)
	if err != nil {
		return 0, &domain.StoreError{Op: "upsert links", Err: err}
	}
	return int(tag.RowsAffected()), nil
}
