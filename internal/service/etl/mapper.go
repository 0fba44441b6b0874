package etl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/normalize"
)

// Candidate is a raw row mapped onto the canonical account shape.
type Candidate struct {
	OrganizationID   string
	ProviderObjectID string
	Domain           string
	Name             string
	ARR              *float64
	UpdatedAt        time.Time
}

// Account converts the winning candidate into the row to upsert.
func (c Candidate) Account() domain.CanonicalAccount {
	return domain.CanonicalAccount{
		OrganizationID: c.OrganizationID,
		Domain:         c.Domain,
		Name:           c.Name,
		ARR:            c.ARR,
		UpdatedAt:      c.UpdatedAt,
	}
}

// Payload is a provider-specific account record.
type Payload interface {
	fields() accountFields
}

type accountFields struct {
	name    string
	domain  string
	website string
	arr     *float64
}

// HubSpotCompany is the subset of company properties the ETL reads.
type HubSpotCompany struct {
	Name          string `json:"name"`
	Domain        string `json:"domain"`
	Website       string `json:"website"`
	ARR           Amount `json:"arr"`
	AnnualRevenue Amount `json:"annualrevenue"`
}

func (c HubSpotCompany) fields() accountFields {
	arr := c.ARR.Value
	if arr == nil {
		arr = c.AnnualRevenue.Value
	}
	return accountFields{name: c.Name, domain: c.Domain, website: c.Website, arr: arr}
}

// SalesforceAccount is the subset of Account fields the ETL reads.
type SalesforceAccount struct {
	Name          string `json:"Name"`
	Website       string `json:"Website"`
	AnnualRevenue Amount `json:"AnnualRevenue"`
}

func (a SalesforceAccount) fields() accountFields {
	return accountFields{name: a.Name, website: a.Website, arr: a.AnnualRevenue.Value}
}

// Amount decodes a JSON number or numeric string. Blank, null and unparsable values are unknown.
type Amount struct {
	Value *float64
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	a.Value = nil
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	}
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	a.Value = &v
	return nil
}

// SourceObjectType is the raw object type holding accounts for provider.
func SourceObjectType(provider domain.Provider) (string, error) {
	switch provider {
	case domain.ProviderHubSpot:
		return "companies", nil
	case domain.ProviderSalesforce:
		return "Account", nil
	default:
		return "", fmt.Errorf("etl source %s: %w", provider, domain.ErrUnsupportedProvider)
	}
}

// Decode parses a raw row into its provider payload.
func Decode(row domain.RawObject) (Payload, error) {
	switch row.Provider {
	case domain.ProviderHubSpot:
		var p HubSpotCompany
		if err := json.Unmarshal(row.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode hubspot company %s: %w", row.ProviderObjectID, err)
		}
		return p, nil
	case domain.ProviderSalesforce:
		var p SalesforceAccount
		if err := json.Unmarshal(row.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode salesforce account %s: %w", row.ProviderObjectID, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("decode %s row: %w", row.Provider, domain.ErrUnsupportedProvider)
	}
}

// Map turns a raw row into a candidate. It reports false for rows with neither a
// name nor a usable domain.
func Map(row domain.RawObject) (Candidate, bool, error) {
	payload, err := Decode(row)
	if err != nil {
		return Candidate{}, false, err
	}
	f := payload.fields()
	name := strings.TrimSpace(f.name)

	dom, ok := normalize.DomainFromWebsite(f.domain)
	if !ok {
		dom, ok = normalize.DomainFromWebsite(f.website)
	}
	if !ok {
		if name == "" {
			return Candidate{}, false, nil
		}
		dom = normalize.DomainFromName(name)
	}
	if name == "" {
		name = dom
	}

	return Candidate{
		OrganizationID:   row.OrganizationID,
		ProviderObjectID: row.ProviderObjectID,
		Domain:           dom,
		Name:             name,
		ARR:              f.arr,
		UpdatedAt:        row.UpdatedAt,
	}, true, nil
}
