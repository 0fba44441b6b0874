package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

const (
	salesforceDefaultVersion = "v59.0"
	salesforceMaxBatchSize   = 2000
	salesforceMinBatchSize   = 200
	salesforceTimeLayout     = "2006-01-02T15:04:05.000-0700"
)

var salesforceFields = map[string][]string{
	"Account":     {"Id", "Name", "Website", "AnnualRevenue", "SystemModstamp"},
	"Contact":     {"Id", "FirstName", "LastName", "Email", "AccountId", "SystemModstamp"},
	"Opportunity": {"Id", "Name", "Amount", "StageName", "CloseDate", "AccountId", "SystemModstamp"},
}

var salesforceOrder = []string{"Account", "Contact", "Opportunity"}

// SalesforceClient reads sObjects with SOQL queries against the tenant instance.
type SalesforceClient struct {
	baseURL    string
	apiVersion string
	t          transport
}

var _ PageFetcher = (*SalesforceClient)(nil)

func NewSalesforceClient(opts ClientOptions) *SalesforceClient {
	version := strings.TrimSpace(opts.APIVersion)
	if version == "" {
		version = salesforceDefaultVersion
	}
	return &SalesforceClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiVersion: version,
		t:          newTransport(domain.ProviderSalesforce, opts),
	}
}

func (c *SalesforceClient) Provider() domain.Provider { return domain.ProviderSalesforce }

func (c *SalesforceClient) ObjectTypes() []string {
	return append([]string(nil), salesforceOrder...)
}

type salesforcePage struct {
	Done           bool                         `json:"done"`
	NextRecordsURL string                       `json:"nextRecordsUrl"`
	Records        []map[string]json.RawMessage `json:"records"`
}

// FetchPage runs the SOQL query for the object, or follows the cursor's nextRecordsUrl.
func (c *SalesforceClient) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	fields, ok := salesforceFields[req.ObjectType]
	if !ok {
		return Page{}, fmt.Errorf("salesforce object %q: %w", req.ObjectType, domain.ErrInvalidRequest)
	}
	base := c.baseURL
	if req.BaseURL != "" {
		base = strings.TrimRight(req.BaseURL, "/")
	}
	if base == "" {
		return Page{}, fmt.Errorf("salesforce instance url missing: %w", domain.ErrProviderNotConfigured)
	}

	var endpoint string
	if req.Cursor != nil && req.Cursor.Link != "" {
		endpoint = base + req.Cursor.Link
	} else {
		q := url.Values{}
		q.Set("q", soql(req.ObjectType, fields, req.Since))
		endpoint = fmt.Sprintf("%s/services/data/%s/query?%s", base, c.apiVersion, q.Encode())
	}
	batch := pageSize(req.PageSize, salesforceMaxBatchSize)
	if batch < salesforceMinBatchSize {
		batch = salesforceMinBatchSize
	}

	var out salesforcePage
	op := "salesforce fetch " + req.ObjectType
	err := c.t.doJSON(ctx, req.OrganizationID, op, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		bearer(r, req.AccessToken)
		r.Header.Set("Sforce-Query-Options", fmt.Sprintf("batchSize=%d", batch))
		return r, nil
	}, &out)
	if err != nil {
		return Page{}, err
	}

	now := c.t.now()
	page := Page{Records: make([]domain.Record, 0, len(out.Records))}
	for _, raw := range out.Records {
		rec, err := salesforceRecord(raw, now)
		if err != nil {
			return Page{}, &domain.UpstreamError{Op: op, Err: &domain.MalformedResponseError{Err: err}}
		}
		page.Records = append(page.Records, rec)
	}
	if !out.Done && out.NextRecordsURL != "" {
		page.Next = &domain.Cursor{Link: out.NextRecordsURL}
	}
	return page, nil
}

func soql(object string, fields []string, since *time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE IsDeleted = false", strings.Join(fields, ", "), object)
	if since != nil {
		fmt.Fprintf(&b, " AND SystemModstamp >= %s", since.UTC().Format("2006-01-02T15:04:05Z"))
	}
	b.WriteString(" ORDER BY SystemModstamp ASC")
	return b.String()
}

func salesforceRecord(raw map[string]json.RawMessage, now time.Time) (domain.Record, error) {
	var id string
	if err := json.Unmarshal(raw["Id"], &id); err != nil || id == "" {
		return domain.Record{}, fmt.Errorf("record without Id")
	}
	props := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "attributes" || k == "Id" {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return domain.Record{}, fmt.Errorf("field %s: %w", k, err)
		}
		props[k] = val
	}
	modstamp, _ := props["SystemModstamp"].(string)
	return domain.Record{ID: id, Properties: props, UpdatedAt: parseTimestamp(modstamp, now)}, nil
}
