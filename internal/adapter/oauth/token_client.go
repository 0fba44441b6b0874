package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

// TokenRefresher performs refresh-token grants against a provider token endpoint.
type TokenRefresher interface {
	Refresh(ctx context.Context, provider domain.Provider, refreshToken string) (*domain.TokenGrant, error)
}

// HTTPTokenClient is the default TokenRefresher built on golang.org/x/oauth2.
type HTTPTokenClient struct {
	httpClient *http.Client
	providers  map[domain.Provider]config.ProviderConfig
	now        func() time.Time
}

// NewHTTPTokenClient constructs the default TokenRefresher.
func NewHTTPTokenClient(client *http.Client, providers map[domain.Provider]config.ProviderConfig) *HTTPTokenClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTokenClient{httpClient: client, providers: providers, now: time.Now}
}

// Refresh exchanges refreshToken for a new access token.
func (c *HTTPTokenClient) Refresh(ctx context.Context, provider domain.Provider, refreshToken string) (*domain.TokenGrant, error) {
	pc, ok := c.providers[provider]
	if !ok || !pc.Configured() {
		return nil, fmt.Errorf("refresh %s token: %w", provider, domain.ErrProviderNotConfigured)
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("refresh %s token: refresh token missing: %w", provider, domain.ErrInvalidRequest)
	}

	oc := &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  pc.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	start := c.now()
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, upstreamTokenError(provider, err)
	}

	grant := &domain.TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	switch {
	case tok.ExpiresIn > 0:
		grant.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		grant.ExpiresIn = tok.Expiry.Sub(start)
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

func upstreamTokenError(provider domain.Provider, err error) error {
	op := fmt.Sprintf("refresh %s token", provider)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if status == 0 || status < 300 {
			return &domain.UpstreamError{Op: op, Status: status, Body: string(re.Body), Err: &domain.MalformedResponseError{Err: err}}
		}
		return &domain.UpstreamError{Op: op, Status: status, Body: string(re.Body), Err: err}
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return &domain.UpstreamError{Op: op, Err: &domain.MalformedResponseError{Err: err}}
	}
	return &domain.UpstreamError{Op: op, Err: err}
}
