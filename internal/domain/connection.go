package domain

import "time"

// Connection holds the OAuth credentials an organization granted for one provider.
type Connection struct {
	OrganizationID string
	Provider       Provider
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	// InstanceURL is the per-tenant API host for providers that have one (Salesforce).
	InstanceURL string
	UpdatedAt   time.Time
}

// TokenGrant is the result of a refresh-token exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}
