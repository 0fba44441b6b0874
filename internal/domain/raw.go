package domain

import (
	"encoding/json"
	"time"
)

// RawObject is a staged provider record keyed by its provider object id.
type RawObject struct {
	OrganizationID   string
	Provider         Provider
	ObjectType       string
	ProviderObjectID string
	Properties       json.RawMessage
	UpdatedAt        time.Time
	LastSeenAt       time.Time
}

// RawFilter selects raw rows for an ETL run.
type RawFilter struct {
	OrganizationID string
	Provider       Provider
	ObjectType     string
	// SeenSince limits rows to those ingested at or after this instant.
	SeenSince *time.Time
}
