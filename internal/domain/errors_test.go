package domain_test

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

func TestUpstreamErrorRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  *domain.UpstreamError
		want bool
	}{
		{"server error", &domain.UpstreamError{Op: "fetch page", Status: 503}, true},
		{"rate limited", &domain.UpstreamError{Op: "fetch page", Status: 429}, true},
		{"unauthorized", &domain.UpstreamError{Op: "refresh token", Status: 401, Body: `{"status":"BAD_REFRESH_TOKEN"}`}, false},
		{"transport", &domain.UpstreamError{Op: "fetch page", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}, true},
		{"malformed", &domain.UpstreamError{Op: "fetch page", Err: &domain.MalformedResponseError{Err: errors.New("unexpected EOF")}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.err.Retryable())
			require.Equal(t, tc.want, domain.IsRetryable(fmt.Errorf("wrapped: %w", tc.err)))
		})
	}
}

func TestUpstreamErrorMessageCarriesStatusAndBody(t *testing.T) {
	err := &domain.UpstreamError{Op: "hubspot fetch companies", Status: 400, Body: `{"message":"bad property"}`}
	require.Equal(t, `hubspot fetch companies: status=400 body={"message":"bad property"}`, err.Error())
}

func TestStoreErrorPrefixesOperation(t *testing.T) {
	err := &domain.StoreError{Op: "upsert accounts", Err: errors.New("connection reset")}
	require.Equal(t, "upsert accounts failed: connection reset", err.Error())
}

func TestParseProvider(t *testing.T) {
	p, err := domain.ParseProvider(" HubSpot ")
	require.NoError(t, err)
	require.Equal(t, domain.ProviderHubSpot, p)

	_, err = domain.ParseProvider("pipedrive")
	require.ErrorIs(t, err, domain.ErrUnsupportedProvider)

	_, err = domain.ParseProvider("")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}
