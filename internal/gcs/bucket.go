package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/driftware/tusgate/pkg/types"
)

// BucketResolver maps the request tenant to a backend bucket, creating the
// bucket on first use. Resolved names are cached for the process lifetime.
type BucketResolver struct {
	baseBucket  string
	project     string
	apiEndpoint string
	tokens      TokenSource
	httpClient  *retryablehttp.Client

	mu       sync.RWMutex
	resolved map[string]string
}

// NewBucketResolver creates a resolver over the backend JSON API. Bucket
// lookup and creation are idempotent, so the HTTP client retries them
// transparently.
func NewBucketResolver(baseBucket, project, apiEndpoint string, tokens TokenSource) *BucketResolver {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	return &BucketResolver{
		baseBucket:  baseBucket,
		project:     project,
		apiEndpoint: strings.TrimSuffix(apiEndpoint, "/"),
		tokens:      tokens,
		httpClient:  client,
		resolved:    make(map[string]string),
	}
}

// Resolve returns the bucket name for the context's tenant, creating the
// bucket if it does not exist yet.
func (r *BucketResolver) Resolve(ctx context.Context) (string, error) {
	tenant, ok := types.TenantFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no tenant in request context")
	}

	name := r.bucketName(tenant)

	r.mu.RLock()
	_, known := r.resolved[name]
	r.mu.RUnlock()
	if known {
		return name, nil
	}

	exists, err := r.bucketExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := r.createBucket(ctx, name); err != nil {
			return "", err
		}
		log.Warn().Str("bucket", name).Msg("bucket did not exist and was created")
	}

	r.mu.Lock()
	r.resolved[name] = tenant
	r.mu.Unlock()

	return name, nil
}

// bucketName scopes the configured base bucket by tenant. Domain-style base
// names keep a dot delimiter, anything else uses an underscore.
func (r *BucketResolver) bucketName(tenant string) string {
	delimiter := "_"
	if strings.Contains(r.baseBucket, ".") {
		delimiter = "."
	}
	return strings.ToLower(tenant) + delimiter + r.baseBucket
}

func (r *BucketResolver) bucketExists(ctx context.Context, name string) (bool, error) {
	token, err := r.tokens.AccessToken(ctx)
	if err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("%s/b/%s", r.apiEndpoint, url.PathEscape(name))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build bucket lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("bucket lookup failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &types.BackendAuthError{Status: resp.StatusCode, Body: string(body)}
	default:
		return false, &types.BackendRequestError{Status: resp.StatusCode, Body: string(body)}
	}
}

func (r *BucketResolver) createBucket(ctx context.Context, name string) error {
	token, err := r.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("failed to encode bucket creation payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/b?project=%s", r.apiEndpoint, url.QueryEscape(r.project))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build bucket creation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bucket creation failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	// Another upload may have created it between lookup and create.
	case resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &types.BackendAuthError{Status: resp.StatusCode, Body: string(body)}
	default:
		return &types.BackendRequestError{Status: resp.StatusCode, Body: string(body)}
	}
}
