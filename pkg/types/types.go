package types

import (
	"context"
	"time"
)

// TenantKey identifies a tenant within request context. Handlers resolve it
// from the X-Tenant-ID header; everything below the HTTP layer receives it
// explicitly through context rather than ambient lookup.
type tenantKeyType struct{}

var tenantKey = tenantKeyType{}

// WithTenant returns a context carrying the tenant identifier.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// TenantFromContext extracts the tenant identifier, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(tenantKey).(string)
	return tenant, ok && tenant != ""
}

// FileInfo is the JSON view of a stored file's metadata.
type FileInfo struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contenttype"`
	Size        int64  `json:"size"`
	Extension   string `json:"extension,omitempty"`
	MD5         string `json:"md5,omitempty"`
}

// UploadEvent carries the owning object reference for upload lifecycle
// notifications. Sinks receive it fire-and-forget.
type UploadEvent struct {
	Tenant      string    `json:"tenant"`
	Slot        string    `json:"slot"`
	ObjectKey   string    `json:"object_key"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	MD5         string    `json:"md5,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
