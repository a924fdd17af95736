package gcs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftware/tusgate/pkg/types"
)

func TestBucketResolver_ExistingBucket(t *testing.T) {
	var lookups int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		atomic.AddInt64(&lookups, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resolver := NewBucketResolver("files", "proj", server.URL, StaticTokenSource("tok"))
	ctx := types.WithTenant(context.Background(), "Acme")

	name, err := resolver.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acme_files", name)

	// Second resolve hits the cache.
	name, err = resolver.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acme_files", name)
	assert.Equal(t, int64(1), atomic.LoadInt64(&lookups))
}

func TestBucketResolver_CreatesMissingBucket(t *testing.T) {
	var created atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			created.Store(true)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	resolver := NewBucketResolver("media.example.com", "proj", server.URL, StaticTokenSource("tok"))
	ctx := types.WithTenant(context.Background(), "tenant1")

	name, err := resolver.Resolve(ctx)
	require.NoError(t, err)
	// Domain-style base buckets keep the dot delimiter.
	assert.Equal(t, "tenant1.media.example.com", name)
	assert.True(t, created.Load())
}

func TestBucketResolver_NoTenant(t *testing.T) {
	resolver := NewBucketResolver("files", "proj", "http://unused.example", StaticTokenSource("tok"))

	_, err := resolver.Resolve(context.Background())
	assert.Error(t, err)
}

func TestBucketResolver_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	resolver := NewBucketResolver("files", "proj", server.URL, StaticTokenSource("tok"))
	ctx := types.WithTenant(context.Background(), "acme")

	_, err := resolver.Resolve(ctx)
	require.Error(t, err)

	var authErr *types.BackendAuthError
	assert.ErrorAs(t, err, &authErr)
}
