package etl_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/service/etl"
)

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type memoryRaw struct {
	rows    []domain.RawObject
	filters []domain.RawFilter
	err     error
}

func (m *memoryRaw) UpsertRaw(ctx context.Context, rows []domain.RawObject) error { return nil }

func (m *memoryRaw) ListRaw(ctx context.Context, filter domain.RawFilter) ([]domain.RawObject, error) {
	m.filters = append(m.filters, filter)
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.RawObject
	for _, r := range m.rows {
		if r.OrganizationID != filter.OrganizationID || r.Provider != filter.Provider || r.ObjectType != filter.ObjectType {
			continue
		}
		if filter.SeenSince != nil && r.LastSeenAt.Before(*filter.SeenSince) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// memoryAccounts mirrors the (organization, domain) upsert: ids are kept across runs.
type memoryAccounts struct {
	nextID int64
	rows   map[string]domain.CanonicalAccount
}

func (m *memoryAccounts) UpsertAccounts(ctx context.Context, accounts []domain.CanonicalAccount) (map[string]int64, error) {
	if m.rows == nil {
		m.rows = map[string]domain.CanonicalAccount{}
	}
	out := make(map[string]int64, len(accounts))
	for _, a := range accounts {
		k := a.OrganizationID + "|" + a.Domain
		if existing, ok := m.rows[k]; ok {
			a.ID = existing.ID
		} else {
			m.nextID++
			a.ID = m.nextID
		}
		m.rows[k] = a
		out[a.Domain] = a.ID
	}
	return out, nil
}

type memoryLinks struct {
	rows map[string]domain.ExternalLink
	err  error
}

func (m *memoryLinks) UpsertLinks(ctx context.Context, links []domain.ExternalLink) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.rows == nil {
		m.rows = map[string]domain.ExternalLink{}
	}
	for _, l := range links {
		m.rows[l.OrganizationID+"|"+string(l.Provider)+"|"+l.ObjectType+"|"+l.ProviderObjectID] = l
	}
	return len(links), nil
}

func company(id string, props map[string]any, updated time.Time) domain.RawObject {
	b, _ := json.Marshal(props)
	return domain.RawObject{
		OrganizationID:   "org-1",
		Provider:         domain.ProviderHubSpot,
		ObjectType:       "companies",
		ProviderObjectID: id,
		Properties:       b,
		UpdatedAt:        updated,
		LastSeenAt:       now.Add(-5 * time.Minute),
	}
}

func newService(raw *memoryRaw, accounts *memoryAccounts, links *memoryLinks) *etl.Service {
	return etl.NewService(raw, accounts, links, nil, zap.NewNop(), etl.WithClock(func() time.Time { return now }))
}

func TestFromCRMResolvesSharedDomainToOneAccount(t *testing.T) {
	t1 := now.Add(-2 * time.Hour)
	t2 := now.Add(-time.Hour)
	raw := &memoryRaw{rows: []domain.RawObject{
		company("1", map[string]any{"name": "Acme Old", "domain": "acme.com", "annualrevenue": "100"}, t1),
		company("2", map[string]any{"name": "Acme", "domain": "acme.com", "annualrevenue": "250"}, t2),
	}}
	accounts := &memoryAccounts{}
	links := &memoryLinks{}
	svc := newService(raw, accounts, links)

	res, err := svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: domain.ProviderHubSpot})
	require.NoError(t, err)
	require.Equal(t, etl.Result{Provider: domain.ProviderHubSpot, UpsertedAccounts: 1, Linked: 2}, res)

	require.Len(t, accounts.rows, 1)
	acct := accounts.rows["org-1|acme.com"]
	require.Equal(t, "Acme", acct.Name)
	require.Equal(t, 250.0, *acct.ARR)
	require.Equal(t, t2, acct.UpdatedAt)

	require.Len(t, links.rows, 2)
	for _, l := range links.rows {
		require.Equal(t, acct.ID, l.CanonicalID)
		require.Equal(t, domain.CanonicalTableAccounts, l.CanonicalTable)
	}
}

func TestFromCRMIsIdempotent(t *testing.T) {
	raw := &memoryRaw{rows: []domain.RawObject{
		company("1", map[string]any{"name": "Acme", "domain": "acme.com"}, now.Add(-time.Hour)),
		company("2", map[string]any{"name": "Globex", "website": "globex.io"}, now.Add(-time.Hour)),
		company("3", map[string]any{}, now.Add(-time.Hour)),
	}}
	accounts := &memoryAccounts{}
	links := &memoryLinks{}
	svc := newService(raw, accounts, links)

	first, err := svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: domain.ProviderHubSpot})
	require.NoError(t, err)
	snapshotAccounts := copyMap(accounts.rows)
	snapshotLinks := copyMap(links.rows)

	second, err := svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: domain.ProviderHubSpot})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, second.Linked)
	require.Equal(t, snapshotAccounts, accounts.rows)
	require.Equal(t, snapshotLinks, links.rows)
}

func TestFromCRMLookbackWindow(t *testing.T) {
	stale := company("1", map[string]any{"name": "Acme", "domain": "acme.com"}, now.Add(-48*time.Hour))
	stale.LastSeenAt = now.Add(-2 * time.Hour)
	raw := &memoryRaw{rows: []domain.RawObject{stale}}
	svc := newService(raw, &memoryAccounts{}, &memoryLinks{})

	res, err := svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: domain.ProviderHubSpot, LookbackMinutes: 30})
	require.NoError(t, err)
	require.Equal(t, etl.NoteNoRecentChanges, res.Note)
	require.Zero(t, res.UpsertedAccounts)
	require.Zero(t, res.Linked)
	require.Equal(t, now.Add(-30*time.Minute), *raw.filters[0].SeenSince)
}

func TestFromCRMReadsSalesforceAccounts(t *testing.T) {
	raw := &memoryRaw{rows: []domain.RawObject{{
		OrganizationID: "org-1", Provider: domain.ProviderSalesforce, ObjectType: "Account",
		ProviderObjectID: "001A", Properties: []byte(`{"Name":"Acme","Website":"acme.com","AnnualRevenue":12}`),
		UpdatedAt: now, LastSeenAt: now,
	}}}
	svc := newService(raw, &memoryAccounts{}, &memoryLinks{})

	res, err := svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: domain.ProviderSalesforce})
	require.NoError(t, err)
	require.Equal(t, 1, res.UpsertedAccounts)
	require.Equal(t, 1, res.Linked)
	require.Equal(t, "Account", raw.filters[0].ObjectType)
}

func TestFromCRMStepErrors(t *testing.T) {
	storeErr := &domain.StoreError{Op: "load raw objects", Err: errors.New("timeout")}
	svc := newService(&memoryRaw{err: storeErr}, &memoryAccounts{}, &memoryLinks{})
	_, err := svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: domain.ProviderHubSpot})
	var step *etl.StepError
	require.ErrorAs(t, err, &step)
	require.Equal(t, etl.StepLoadRaw, step.Step)
	require.ErrorIs(t, err, storeErr)

	linkErr := &domain.StoreError{Op: "upsert links", Err: errors.New("deadlock")}
	accounts := &memoryAccounts{}
	raw := &memoryRaw{rows: []domain.RawObject{company("1", map[string]any{"name": "Acme", "domain": "acme.com"}, now)}}
	svc = newService(raw, accounts, &memoryLinks{err: linkErr})
	_, err = svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: domain.ProviderHubSpot})
	require.ErrorAs(t, err, &step)
	require.Equal(t, etl.StepLink, step.Step)
	require.Len(t, accounts.rows, 1)
}

func TestFromCRMValidatesInput(t *testing.T) {
	svc := newService(&memoryRaw{}, &memoryAccounts{}, &memoryLinks{})

	_, err := svc.FromCRM(context.Background(), etl.Input{Provider: domain.ProviderHubSpot})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: domain.ProviderHubSpot, LookbackMinutes: -1})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.FromCRM(context.Background(), etl.Input{OrganizationID: "org-1", Provider: "zoho"})
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
