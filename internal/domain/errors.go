package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("crmsync: invalid request")
	// ErrUnsupportedProvider signals a provider with no fetcher or mapper.
	ErrUnsupportedProvider = errors.New("crmsync: unsupported provider")
	// ErrProviderNotConfigured signals missing client credentials for a provider.
	ErrProviderNotConfigured = errors.New("crmsync: provider not configured")
	// ErrConnectionNotFound signals that the organization never connected the provider.
	ErrConnectionNotFound = errors.New("crmsync: connection not found")
	// ErrSyncInProgress signals another invocation holds the sync lease.
	ErrSyncInProgress = errors.New("crmsync: sync already in progress")
	// ErrStateConflict signals a sync state was modified concurrently.
	ErrStateConflict = errors.New("crmsync: sync state modified concurrently")
)

// UpstreamError is a failed call to a provider endpoint.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: status=%d body=%s", e.Op, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": upstream failure"
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed.
func (e *UpstreamError) Retryable() bool {
	if e.Status == 0 {
		return e.Err != nil && !e.malformed()
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (e *UpstreamError) malformed() bool {
	var m *MalformedResponseError
	return errors.As(e.Err, &m)
}

// MalformedResponseError marks a 2xx provider response that could not be decoded.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string { return "malformed response: " + e.Err.Error() }

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StoreError is a failed datastore operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err wraps a retryable upstream failure.
func IsRetryable(err error) bool {
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Retryable()
	}
	return false
}
