package upload

import (
	"time"
)

// State is the lifecycle phase of an upload session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitiating    State = "initiating"
	StateAppending     State = "appending"
	StateFinalizing    State = "finalizing"
	StateFinalized     State = "finalized"
	StateFailed        State = "failed"
)

// Session tracks one resumable upload for a file slot. BytesAccepted is the
// backend-confirmed offset and the single source of truth for progress; it is
// monotonically non-decreasing and never exceeds DeclaredSize.
type Session struct {
	Tenant string `json:"tenant"`
	Slot   string `json:"slot"`

	DeclaredSize  int64 `json:"declared_size"`
	BytesAccepted int64 `json:"bytes_accepted"`

	SessionURI         string `json:"session_uri"`
	Bucket             string `json:"bucket"`
	PendingObjectKey   string `json:"pending_object_key"`
	FinalizedObjectKey string `json:"finalized_object_key,omitempty"`

	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Extension   string `json:"extension,omitempty"`
	MD5         string `json:"md5,omitempty"`

	State      State     `json:"state"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Snapshot returns a consistent copy for reads outside the slot lock.
func (s *Session) Snapshot() Session {
	return *s
}

// Expired reports whether the backend session TTL has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Remaining returns how many declared bytes the backend has not confirmed yet.
func (s *Session) Remaining() int64 {
	return s.DeclaredSize - s.BytesAccepted
}
