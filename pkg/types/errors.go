package types

import (
	"errors"
	"fmt"
	"net/http"
)

// MissingHeaderError indicates the client omitted a header the protocol requires.
type MissingHeaderError struct {
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("missing required header: %s", e.Header)
}

// NoUploadError indicates no upload session exists for the referenced slot.
type NoUploadError struct {
	Slot string
}

func (e *NoUploadError) Error() string {
	return fmt.Sprintf("no upload session for slot: %s", e.Slot)
}

// NoContentError indicates the referenced slot has no stored object to serve.
type NoContentError struct {
	Slot string
}

func (e *NoContentError) Error() string {
	return fmt.Sprintf("no content for slot: %s", e.Slot)
}

// OffsetConflictError indicates the client-declared offset disagrees with the
// backend-confirmed accepted offset. The client must re-probe with HEAD.
type OffsetConflictError struct {
	Declared int64
	Accepted int64
}

func (e *OffsetConflictError) Error() string {
	return fmt.Sprintf("declared offset %d does not match accepted offset %d", e.Declared, e.Accepted)
}

// BackendAuthError indicates a credential or token failure against the storage
// backend. It is fatal and never retried by the state machine.
type BackendAuthError struct {
	Status int
	Body   string
}

func (e *BackendAuthError) Error() string {
	return fmt.Sprintf("backend auth failure (status %d): %s", e.Status, e.Body)
}

// BackendRequestError carries a non-auth backend failure along with the
// response body for diagnostics.
type BackendRequestError struct {
	Status int
	Body   string
}

func (e *BackendRequestError) Error() string {
	return fmt.Sprintf("backend request failed (status %d): %s", e.Status, e.Body)
}

// MaxRetriesExceeded indicates a chunk append failed transiently more times
// than the retry bound allows. The session is left in the Failed state.
type MaxRetriesExceeded struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("chunk append failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *MaxRetriesExceeded) Unwrap() error {
	return e.Last
}

// StatusFor maps protocol bridge errors to the HTTP status surfaced to the
// client. Unknown errors map to 500.
func StatusFor(err error) int {
	var (
		missing  *MissingHeaderError
		noUpload *NoUploadError
		noData   *NoContentError
		conflict *OffsetConflictError
		auth     *BackendAuthError
	)
	switch {
	case errors.As(err, &missing):
		return http.StatusBadRequest
	case errors.As(err, &noUpload), errors.As(err, &noData):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &auth):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
