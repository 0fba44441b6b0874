package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/retry"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestHubSpot(t *testing.T, h http.HandlerFunc, policy retry.Policy) *HubSpotClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHubSpotClient(ClientOptions{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Retry:      policy,
		Now:        func() time.Time { return fixedNow },
	})
}

func TestHubSpotListBackfill(t *testing.T) {
	client := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/crm/v3/objects/companies", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		q := r.URL.Query()
		require.Equal(t, "false", q.Get("archived"))
		require.Equal(t, "50", q.Get("limit"))
		require.Equal(t, "abc", q.Get("after"))
		require.Contains(t, q.Get("properties"), "domain")

		_, _ = w.Write([]byte(`{
			"results": [
				{"id": "1", "properties": {"name": "Acme", "domain": "acme.com"}, "updatedAt": "2024-04-01T10:00:00.000Z"},
				{"id": "2", "properties": {"name": "Globex"}}
			],
			"paging": {"next": {"after": "def"}}
		}`))
	}, retry.None())

	page, err := client.FetchPage(context.Background(), PageRequest{
		OrganizationID: "org-1",
		AccessToken:    "tok",
		ObjectType:     "companies",
		Cursor:         &domain.Cursor{After: "abc"},
		PageSize:       50,
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "1", page.Records[0].ID)
	require.Equal(t, "acme.com", page.Records[0].Properties["domain"])
	require.Equal(t, time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC), page.Records[0].UpdatedAt)
	require.Equal(t, fixedNow, page.Records[1].UpdatedAt)
	require.Equal(t, &domain.Cursor{After: "def"}, page.Next)
}

func TestHubSpotIncrementalUsesSearch(t *testing.T) {
	since := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	client := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/crm/v3/objects/contacts/search", r.URL.Path)

		var body struct {
			FilterGroups []struct {
				Filters []struct {
					PropertyName string `json:"propertyName"`
					Operator     string `json:"operator"`
					Value        string `json:"value"`
				} `json:"filters"`
			} `json:"filterGroups"`
			Limit int    `json:"limit"`
			After string `json:"after"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f := body.FilterGroups[0].Filters[0]
		require.Equal(t, "lastmodifieddate", f.PropertyName)
		require.Equal(t, "GTE", f.Operator)
		require.Equal(t, "1711929600000", f.Value)
		require.Equal(t, 100, body.Limit)
		require.Empty(t, body.After)

		_, _ = w.Write([]byte(`{"results": []}`))
	}, retry.None())

	page, err := client.FetchPage(context.Background(), PageRequest{
		OrganizationID: "org-1",
		AccessToken:    "tok",
		ObjectType:     "contacts",
		Since:          &since,
	})
	require.NoError(t, err)
	require.Empty(t, page.Records)
	require.Nil(t, page.Next)
}

func TestHubSpotErrorCarriesStatusAndBody(t *testing.T) {
	client := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":"error","category":"EXPIRED_AUTHENTICATION"}`))
	}, retry.Policy{MaxRetries: 3, InitialInterval: time.Millisecond})

	_, err := client.FetchPage(context.Background(), PageRequest{AccessToken: "tok", ObjectType: "deals"})
	var up *domain.UpstreamError
	require.ErrorAs(t, err, &up)
	require.Equal(t, http.StatusUnauthorized, up.Status)
	require.Contains(t, up.Body, "EXPIRED_AUTHENTICATION")
	require.False(t, up.Retryable())
}

func TestHubSpotRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"results": [{"id": "9", "properties": {}}]}`))
	}, retry.Policy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})

	page, err := client.FetchPage(context.Background(), PageRequest{AccessToken: "tok", ObjectType: "companies"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.EqualValues(t, 3, calls.Load())
}

func TestHubSpotMalformedBody(t *testing.T) {
	client := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}, retry.Policy{MaxRetries: 3, InitialInterval: time.Millisecond})

	_, err := client.FetchPage(context.Background(), PageRequest{AccessToken: "tok", ObjectType: "companies"})
	var malformed *domain.MalformedResponseError
	require.ErrorAs(t, err, &malformed)
}

func TestHubSpotUnknownObject(t *testing.T) {
	client := NewHubSpotClient(ClientOptions{})
	_, err := client.FetchPage(context.Background(), PageRequest{ObjectType: "tickets"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewHubSpotClient(ClientOptions{}), NewSalesforceClient(ClientOptions{}))

	f, err := reg.Fetcher(domain.ProviderSalesforce)
	require.NoError(t, err)
	require.Equal(t, []string{"Account", "Contact", "Opportunity"}, f.ObjectTypes())

	f, err = reg.Fetcher(domain.ProviderHubSpot)
	require.NoError(t, err)
	require.Equal(t, []string{"companies", "contacts", "deals"}, f.ObjectTypes())

	_, err = NewRegistry().Fetcher(domain.ProviderHubSpot)
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)
}
