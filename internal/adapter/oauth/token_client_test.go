package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

func newTokenServer(t *testing.T, status int, body string, seen *url.Values) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if seen != nil {
			*seen = r.PostForm
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hubspotClient(srv *httptest.Server) *HTTPTokenClient {
	return NewHTTPTokenClient(srv.Client(), map[domain.Provider]config.ProviderConfig{
		domain.ProviderHubSpot: {ClientID: "client", ClientSecret: "secret", TokenURL: srv.URL + "/oauth/v1/token"},
	})
}

func TestRefreshSendsRefreshGrant(t *testing.T) {
	var seen url.Values
	srv := newTokenServer(t, http.StatusOK, `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1800,"token_type":"bearer"}`, &seen)

	grant, err := hubspotClient(srv).Refresh(context.Background(), domain.ProviderHubSpot, "old-refresh")
	require.NoError(t, err)
	require.Equal(t, "new-access", grant.AccessToken)
	require.Equal(t, "new-refresh", grant.RefreshToken)
	require.InDelta(t, (30 * time.Minute).Seconds(), grant.ExpiresIn.Seconds(), 2)

	require.Equal(t, "refresh_token", seen.Get("grant_type"))
	require.Equal(t, "old-refresh", seen.Get("refresh_token"))
	require.Equal(t, "client", seen.Get("client_id"))
	require.Equal(t, "secret", seen.Get("client_secret"))
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, `{"access_token":"new-access","expires_in":3600}`, nil)

	grant, err := hubspotClient(srv).Refresh(context.Background(), domain.ProviderHubSpot, "keep-me")
	require.NoError(t, err)
	require.Equal(t, "keep-me", grant.RefreshToken)
}

func TestRefreshFailureCarriesStatusAndBody(t *testing.T) {
	srv := newTokenServer(t, http.StatusBadRequest, `{"status":"BAD_REFRESH_TOKEN","message":"missing or unknown refresh token"}`, nil)

	_, err := hubspotClient(srv).Refresh(context.Background(), domain.ProviderHubSpot, "revoked")
	var up *domain.UpstreamError
	require.ErrorAs(t, err, &up)
	require.Equal(t, http.StatusBadRequest, up.Status)
	require.Contains(t, up.Body, "BAD_REFRESH_TOKEN")
	require.False(t, up.Retryable())
}

func TestRefreshMalformedResponseIsNotRetryable(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, `{"token_type":"bearer"}`, nil)

	_, err := hubspotClient(srv).Refresh(context.Background(), domain.ProviderHubSpot, "refresh")
	require.Error(t, err)
	require.False(t, domain.IsRetryable(err))
}

func TestRefreshUnconfiguredProvider(t *testing.T) {
	client := NewHTTPTokenClient(nil, map[domain.Provider]config.ProviderConfig{})
	_, err := client.Refresh(context.Background(), domain.ProviderSalesforce, "refresh")
	require.ErrorIs(t, err, domain.ErrProviderNotConfigured)
}
