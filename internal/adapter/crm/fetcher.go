// Package crm fetches object pages from CRM provider APIs.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/ratelimit"
	"github.com/smallbiznis/valora-crmsync/internal/retry"
	"github.com/smallbiznis/valora-crmsync/internal/telemetry"
)

const maxResponseBytes = 16 << 20

// PageRequest describes one page fetch.
type PageRequest struct {
	OrganizationID string
	AccessToken    string
	// BaseURL overrides the configured API host (Salesforce instance url).
	BaseURL    string
	ObjectType string
	// Cursor continues a previous page. A nil cursor starts from the beginning.
	Cursor *domain.Cursor
	// Since switches the fetch to incremental mode: only records modified strictly after it.
	Since    *time.Time
	PageSize int
}

// Page is one provider response normalized to records.
type Page struct {
	Records []domain.Record
	// Next is nil once the listing is exhausted.
	Next *domain.Cursor
}

// PageFetcher lists the objects of one provider.
type PageFetcher interface {
	Provider() domain.Provider
	// ObjectTypes returns the sync order. Parents come before dependents.
	ObjectTypes() []string
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// ClientOptions configures a provider client.
type ClientOptions struct {
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	// Limiter is waited on, keyed by organization, before every request.
	Limiter *ratelimit.Limiter
	Retry   retry.Policy
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

type transport struct {
	provider domain.Provider
	client   *http.Client
	limiter  *ratelimit.Limiter
	retry    retry.Policy
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func newTransport(provider domain.Provider, opts ClientOptions) transport {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return transport{
		provider: provider,
		client:   client,
		limiter:  opts.Limiter,
		retry:    opts.Retry,
		metrics:  opts.Metrics,
		now:      now,
	}
}

// doJSON sends the request built by newReq and decodes a 2xx body into out.
// newReq runs once per attempt so request bodies are never reused.
func (t transport) doJSON(ctx context.Context, organizationID, op string, newReq func(ctx context.Context) (*http.Request, error), out any) error {
	return retry.Do(ctx, t.retry, func(ctx context.Context) error {
		if err := t.limiter.Wait(ctx, organizationID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		req, err := newReq(ctx)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}

		start := time.Now()
		resp, err := t.client.Do(req)
		if t.metrics != nil {
			t.metrics.ProviderRequest.WithLabelValues(t.provider.String(), op).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return &domain.UpstreamError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &domain.UpstreamError{Op: op, Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &domain.UpstreamError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		if err := json.Unmarshal(body, out); err != nil {
			return &domain.UpstreamError{Op: op, Err: &domain.MalformedResponseError{Err: err}}
		}
		return nil
	})
}

func bearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
}

func pageSize(n, limit int) int {
	if n <= 0 || n > limit {
		return limit
	}
	return n
}

// Registry resolves the fetcher of a provider.
type Registry struct {
	fetchers map[domain.Provider]PageFetcher
}

// NewRegistry indexes fetchers by their provider.
func NewRegistry(fetchers ...PageFetcher) *Registry {
	r := &Registry{fetchers: make(map[domain.Provider]PageFetcher, len(fetchers))}
	for _, f := range fetchers {
		r.fetchers[f.Provider()] = f
	}
	return r
}

// Fetcher returns the fetcher for provider or ErrUnsupportedProvider.
func (r *Registry) Fetcher(provider domain.Provider) (PageFetcher, error) {
	f, ok := r.fetchers[provider]
	if !ok {
		return nil, fmt.Errorf("page fetcher %s: %w", provider, domain.ErrUnsupportedProvider)
	}
	return f, nil
}
