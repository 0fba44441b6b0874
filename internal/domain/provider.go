package domain

import (
	"fmt"
	"strings"
)

// Provider identifies an external CRM.
type Provider string

const (
	ProviderHubSpot    Provider = "hubspot"
	ProviderSalesforce Provider = "salesforce"
)

// ParseProvider normalizes a provider name and rejects unknown values.
func ParseProvider(name string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(name))); p {
	case ProviderHubSpot, ProviderSalesforce:
		return p, nil
	case "":
		return "", fmt.Errorf("provider missing: %w", ErrInvalidRequest)
	default:
		return "", fmt.Errorf("provider %q: %w", name, ErrUnsupportedProvider)
	}
}

func (p Provider) String() string { return string(p) }
