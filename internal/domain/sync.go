package domain

import "time"

// Phase is the sync mode of one object type.
type Phase string

const (
	// PhaseInitial backfills history with cursor pagination.
	PhaseInitial Phase = "initial"
	// PhaseContinuous pulls changes newer than the high-water mark.
	PhaseContinuous Phase = "continuous"
)

// Cursor is the provider continuation token. It is opaque to the orchestrator.
type Cursor struct {
	After string `json:"after,omitempty"`
	Link  string `json:"link,omitempty"`
}

// IsZero reports whether the cursor carries no continuation.
func (c *Cursor) IsZero() bool {
	return c == nil || (c.After == "" && c.Link == "")
}

// SyncKey identifies one sync stream.
type SyncKey struct {
	OrganizationID string
	Provider       Provider
	ObjectType     string
}

// SyncState is the persisted progress of one sync stream.
type SyncState struct {
	SyncKey
	Phase         Phase
	Cursor        *Cursor
	Since         *time.Time
	LastRunAt     *time.Time
	LastSuccessAt *time.Time
	LastError     *string
	Version       int64
}

// NewSyncState returns the state of a stream that has never run.
func NewSyncState(key SyncKey) SyncState {
	return SyncState{SyncKey: key, Phase: PhaseInitial}
}

// Record is one provider object normalized by a PageFetcher.
type Record struct {
	ID         string
	Properties map[string]any
	UpdatedAt  time.Time
}
