package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

const (
	hubspotDefaultBaseURL = "https://api.hubapi.com"
	hubspotMaxPageSize    = 100
)

type hubspotObject struct {
	properties []string
	// modified is the property the search API filters and sorts on.
	modified string
}

var hubspotObjects = map[string]hubspotObject{
	"companies": {
		properties: []string{"name", "domain", "website", "annualrevenue", "arr", "hs_lastmodifieddate"},
		modified:   "hs_lastmodifieddate",
	},
	"contacts": {
		properties: []string{"email", "firstname", "lastname", "associatedcompanyid", "lastmodifieddate"},
		modified:   "lastmodifieddate",
	},
	"deals": {
		properties: []string{"dealname", "amount", "dealstage", "pipeline", "closedate", "hs_lastmodifieddate"},
		modified:   "hs_lastmodifieddate",
	},
}

var hubspotOrder = []string{"companies", "contacts", "deals"}

// HubSpotClient reads CRM objects through the HubSpot v3 objects API.
type HubSpotClient struct {
	baseURL string
	t       transport
}

var _ PageFetcher = (*HubSpotClient)(nil)

func NewHubSpotClient(opts ClientOptions) *HubSpotClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = hubspotDefaultBaseURL
	}
	return &HubSpotClient{baseURL: baseURL, t: newTransport(domain.ProviderHubSpot, opts)}
}

func (c *HubSpotClient) Provider() domain.Provider { return domain.ProviderHubSpot }

func (c *HubSpotClient) ObjectTypes() []string {
	return append([]string(nil), hubspotOrder...)
}

type hubspotPage struct {
	Results []struct {
		ID         string         `json:"id"`
		Properties map[string]any `json:"properties"`
		UpdatedAt  string         `json:"updatedAt"`
	} `json:"results"`
	Paging *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// FetchPage lists one page. With Since set it uses the search API filtered on the
// object's modification property, otherwise the plain listing.
func (c *HubSpotClient) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	obj, ok := hubspotObjects[req.ObjectType]
	if !ok {
		return Page{}, fmt.Errorf("hubspot object %q: %w", req.ObjectType, domain.ErrInvalidRequest)
	}
	base := c.baseURL
	if req.BaseURL != "" {
		base = strings.TrimRight(req.BaseURL, "/")
	}
	limit := pageSize(req.PageSize, hubspotMaxPageSize)
	after := ""
	if req.Cursor != nil {
		after = req.Cursor.After
	}

	var (
		out    hubspotPage
		op     = "hubspot fetch " + req.ObjectType
		newReq func(ctx context.Context) (*http.Request, error)
	)
	if req.Since != nil {
		payload, err := json.Marshal(hubspotSearch(obj, *req.Since, limit, after))
		if err != nil {
			return Page{}, fmt.Errorf("%s: encode search: %w", op, err)
		}
		endpoint := fmt.Sprintf("%s/crm/v3/objects/%s/search", base, req.ObjectType)
		newReq = func(ctx context.Context) (*http.Request, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			bearer(r, req.AccessToken)
			r.Header.Set("Content-Type", "application/json")
			return r, nil
		}
	} else {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("archived", "false")
		q.Set("properties", strings.Join(obj.properties, ","))
		if after != "" {
			q.Set("after", after)
		}
		endpoint := fmt.Sprintf("%s/crm/v3/objects/%s?%s", base, req.ObjectType, q.Encode())
		newReq = func(ctx context.Context) (*http.Request, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			bearer(r, req.AccessToken)
			return r, nil
		}
	}

	if err := c.t.doJSON(ctx, req.OrganizationID, op, newReq, &out); err != nil {
		return Page{}, err
	}

	now := c.t.now()
	page := Page{Records: make([]domain.Record, 0, len(out.Results))}
	for _, res := range out.Results {
		props := res.Properties
		if props == nil {
			props = map[string]any{}
		}
		page.Records = append(page.Records, domain.Record{
			ID:         res.ID,
			Properties: props,
			UpdatedAt:  parseTimestamp(res.UpdatedAt, now),
		})
	}
	if out.Paging != nil && out.Paging.Next != nil && out.Paging.Next.After != "" {
		page.Next = &domain.Cursor{After: out.Paging.Next.After}
	}
	return page, nil
}

func hubspotSearch(obj hubspotObject, since time.Time, limit int, after string) map[string]any {
	body := map[string]any{
		"filterGroups": []map[string]any{{
			"filters": []map[string]any{{
				"propertyName": obj.modified,
				"operator":     "GTE",
				"value":        strconv.FormatInt(since.UnixMilli(), 10),
			}},
		}},
		"sorts":      []map[string]any{{"propertyName": obj.modified, "direction": "ASCENDING"}},
		"properties": obj.properties,
		"limit":      limit,
	}
	if after != "" {
		body["after"] = after
	}
	return body
}

// parseTimestamp falls back to the ingestion time when the provider omits or garbles it.
func parseTimestamp(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, salesforceTimeLayout} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return fallback
}
