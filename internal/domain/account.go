package domain

import "time"

// CanonicalTableAccounts is the canonical table name recorded on external links.
const CanonicalTableAccounts = "accounts"

// CanonicalAccount is the deduplicated account keyed by (organization, domain).
type CanonicalAccount struct {
	ID             int64
	OrganizationID string
	Domain         string
	Name           string
	ARR            *float64
	UpdatedAt      time.Time
}

// ExternalLink maps a provider object to the canonical record it resolved to.
type ExternalLink struct {
	OrganizationID   string
	Provider         Provider
	ObjectType       string
	ProviderObjectID string
	CanonicalTable   string
	CanonicalID      int64
}
