package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "missing header",
			err:    &MissingHeaderError{Header: "Upload-Length"},
			status: http.StatusBadRequest,
		},
		{
			name:   "no upload session",
			err:    &NoUploadError{Slot: "doc-1"},
			status: http.StatusNotFound,
		},
		{
			name:   "no content",
			err:    &NoContentError{Slot: "doc-1"},
			status: http.StatusNotFound,
		},
		{
			name:   "offset conflict",
			err:    &OffsetConflictError{Declared: 100, Accepted: 50},
			status: http.StatusConflict,
		},
		{
			name:   "backend auth failure",
			err:    &BackendAuthError{Status: 403, Body: "forbidden"},
			status: http.StatusBadGateway,
		},
		{
			name:   "wrapped auth failure",
			err:    fmt.Errorf("opening session: %w", &BackendAuthError{Status: 401}),
			status: http.StatusBadGateway,
		},
		{
			name:   "retries exhausted",
			err:    &MaxRetriesExceeded{Attempts: 5, Last: &BackendRequestError{Status: 503}},
			status: http.StatusInternalServerError,
		},
		{
			name:   "unknown error",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusFor(tt.err))
		})
	}
}

func TestMaxRetriesExceededUnwrap(t *testing.T) {
	last := &BackendRequestError{Status: 503, Body: "unavailable"}
	err := &MaxRetriesExceeded{Attempts: 5, Last: last}

	var target *BackendRequestError
	assert.ErrorAs(t, err, &target)
	assert.Equal(t, 503, target.Status)
	assert.Contains(t, err.Error(), "after 5 attempts")
}

func TestTenantContext(t *testing.T) {
	_, ok := TenantFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithTenant(context.Background(), "acme")
	tenant, ok := TenantFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "acme", tenant)

	// Empty tenant is treated as absent.
	_, ok = TenantFromContext(WithTenant(context.Background(), ""))
	assert.False(t, ok)
}
