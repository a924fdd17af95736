package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/driftware/tusgate/pkg/types"
)

// ChunkStatus classifies the backend's answer to a chunk append.
type ChunkStatus int

const (
	// StatusComplete means the backend confirmed the final byte and committed
	// the object.
	StatusComplete ChunkStatus = iota
	// StatusContinue means the backend accepted a prefix and wants the rest,
	// starting at AcceptedOffset.
	StatusContinue
	// StatusTransient means the chunk must be retried unchanged; the accepted
	// offset has not advanced.
	StatusTransient
)

// ChunkResult carries the backend's range acknowledgement for one append.
type ChunkResult struct {
	Status         ChunkStatus
	AcceptedOffset int64
	HTTPStatus     int
	Body           string
}

// Client speaks the backend's resumable upload wire protocol. The accepted
// offset it reports is the only trustworthy progress marker; client-declared
// byte counts are protocol bookkeeping only.
type Client struct {
	uploadEndpoint string
	apiEndpoint    string
	chunkSize      int64
	tokens         TokenSource

	// Chunk appends must not be retried by the transport: the state machine
	// owns the retry bound and offset reconciliation.
	httpClient *http.Client

	// Deletes are idempotent and best-effort, so they ride a self-retrying
	// client.
	deleteClient *retryablehttp.Client
}

// NewClient creates a backend session client.
func NewClient(uploadEndpoint, apiEndpoint string, chunkSize int64, tokens TokenSource) *Client {
	deleteClient := retryablehttp.NewClient()
	deleteClient.RetryMax = 2
	deleteClient.Logger = nil

	return &Client{
		uploadEndpoint: strings.TrimSuffix(uploadEndpoint, "/"),
		apiEndpoint:    strings.TrimSuffix(apiEndpoint, "/"),
		chunkSize:      chunkSize,
		tokens:         tokens,
		httpClient:     &http.Client{Timeout: 5 * time.Minute},
		deleteClient:   deleteClient,
	}
}

// OpenSession starts a resumable upload session for the future object and
// returns the backend's opaque session URI. The X-Upload-Content headers
// describe the object that will be uploaded, not this call.
func (c *Client) OpenSession(ctx context.Context, bucket, objectKey, contentType string, declaredSize int64, meta map[string]string) (string, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode session metadata: %w", err)
	}

	endpoint := fmt.Sprintf("%s/b/%s/o?uploadType=resumable&name=%s",
		c.uploadEndpoint, url.PathEscape(bucket), url.QueryEscape(objectKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Upload-Content-Type", contentType)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(declaredSize, 10))
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &types.BackendRequestError{Body: fmt.Sprintf("session creation failed: %v", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &types.BackendAuthError{Status: resp.StatusCode, Body: string(body)}
	default:
		return "", &types.BackendRequestError{Status: resp.StatusCode, Body: string(body)}
	}

	sessionURI := resp.Header.Get("Location")
	if sessionURI == "" {
		return "", &types.BackendRequestError{Status: resp.StatusCode, Body: "backend returned no session location"}
	}

	log.Debug().
		Str("bucket", bucket).
		Str("object", objectKey).
		Int64("declared_size", declaredSize).
		Msg("resumable session opened")

	return sessionURI, nil
}

// AppendChunk writes the byte range [rangeStart, rangeStart+len(data)-1] of a
// declaredSize-byte object to the session. The session URI is already
// credentialed; no bearer token is attached.
func (c *Client) AppendChunk(ctx context.Context, sessionURI string, data []byte, rangeStart, declaredSize int64) (ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, bytes.NewReader(data))
	if err != nil {
		return ChunkResult{Status: StatusTransient, AcceptedOffset: rangeStart},
			fmt.Errorf("failed to build chunk request: %w", err)
	}
	req.Header.Set("Content-Range", contentRange(rangeStart, int64(len(data)), declaredSize))
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChunkResult{Status: StatusTransient, AcceptedOffset: rangeStart},
			&types.BackendRequestError{Body: fmt.Sprintf("chunk write failed: %v", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	result := ChunkResult{HTTPStatus: resp.StatusCode, Body: string(body)}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		result.Status = StatusComplete
		result.AcceptedOffset = declaredSize
	case resp.StatusCode == http.StatusPermanentRedirect:
		result.Status = StatusContinue
		result.AcceptedOffset = parseAcceptedOffset(resp.Header.Get("Range"), rangeStart)
	default:
		result.Status = StatusTransient
		result.AcceptedOffset = rangeStart
	}

	return result, nil
}

// DeleteObject removes an object, best-effort. A missing object or a failed
// request is logged and swallowed, never surfaced.
func (c *Client) DeleteObject(ctx context.Context, bucket, objectKey string) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		log.Debug().Err(err).Str("object", objectKey).Msg("skipping object delete, no token")
		return nil
	}

	endpoint := fmt.Sprintf("%s/b/%s/o/%s",
		c.apiEndpoint, url.PathEscape(bucket), url.PathEscape(objectKey))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.deleteClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("object", objectKey).Msg("best-effort object delete failed")
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		log.Debug().
			Int("status", resp.StatusCode).
			Str("object", objectKey).
			Msg("best-effort object delete rejected")
	}

	return nil
}

// OpenDownload returns a reader that yields the object's bytes in bounded
// chunks. Fails with NoContentError when the object does not exist.
func (c *Client) OpenDownload(ctx context.Context, bucket, objectKey string) (*ChunkedReader, error) {
	reader := &ChunkedReader{
		client:    c,
		mediaURL:  fmt.Sprintf("%s/b/%s/o/%s?alt=media", c.apiEndpoint, url.PathEscape(bucket), url.PathEscape(objectKey)),
		objectKey: objectKey,
		total:     -1,
	}

	// Probe the first chunk now so a missing object fails at open time.
	first, err := reader.fetch(ctx)
	if err == io.EOF {
		// Zero-length object.
		return reader, nil
	}
	if err != nil {
		return nil, err
	}
	reader.pending = first

	return reader, nil
}

// ChunkedReader streams an object through sequential bounded range reads.
// Next must not be called concurrently.
type ChunkedReader struct {
	client    *Client
	mediaURL  string
	objectKey string

	offset  int64
	total   int64
	pending []byte
	done    bool
}

// Next returns the next chunk, or io.EOF once the object is exhausted. The
// caller should fully drain each chunk downstream before requesting the next
// one.
func (r *ChunkedReader) Next(ctx context.Context) ([]byte, error) {
	if r.pending != nil {
		chunk := r.pending
		r.pending = nil
		return chunk, nil
	}
	if r.done {
		return nil, io.EOF
	}
	return r.fetch(ctx)
}

// Size returns the total object size, or -1 before the backend reported it.
func (r *ChunkedReader) Size() int64 {
	return r.total
}

// BytesRead returns how many bytes have been fetched so far.
func (r *ChunkedReader) BytesRead() int64 {
	return r.offset
}

func (r *ChunkedReader) fetch(ctx context.Context) ([]byte, error) {
	token, err := r.client.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.offset, r.offset+r.client.chunkSize-1))

	resp, err := r.client.httpClient.Do(req)
	if err != nil {
		return nil, &types.BackendRequestError{Body: fmt.Sprintf("download read failed: %v", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		chunk, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &types.BackendRequestError{Body: fmt.Sprintf("download read failed: %v", err)}
		}
		if total, ok := parseTotalSize(resp.Header.Get("Content-Range")); ok {
			r.total = total
		}
		r.offset += int64(len(chunk))
		if r.total >= 0 && r.offset >= r.total {
			r.done = true
		}
		if len(chunk) == 0 {
			r.done = true
			return nil, io.EOF
		}
		return chunk, nil

	case http.StatusOK:
		// Backend ignored the range request and sent the whole object.
		chunk, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &types.BackendRequestError{Body: fmt.Sprintf("download read failed: %v", err)}
		}
		r.offset += int64(len(chunk))
		r.total = r.offset
		r.done = true
		return chunk, nil

	case http.StatusRequestedRangeNotSatisfiable:
		// Reading past the end of the object.
		r.done = true
		if r.total < 0 {
			r.total = r.offset
		}
		return nil, io.EOF

	case http.StatusNotFound:
		return nil, &types.NoContentError{Slot: r.objectKey}

	case http.StatusUnauthorized, http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &types.BackendAuthError{Status: resp.StatusCode, Body: string(body)}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &types.BackendRequestError{Status: resp.StatusCode, Body: string(body)}
	}
}

// contentRange formats the Content-Range header for a chunk write. A
// zero-length write queries upload state without advancing it.
func contentRange(start, length, total int64) string {
	if length == 0 {
		return fmt.Sprintf("bytes */%d", total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, total)
}

// parseAcceptedOffset derives the accepted offset from the backend's range
// acknowledgement, e.g. "bytes=0-524287" means 524288 bytes are durable. A
// missing or malformed header means nothing new was accepted.
func parseAcceptedOffset(rangeHeader string, fallback int64) int64 {
	if rangeHeader == "" {
		return fallback
	}
	idx := strings.LastIndex(rangeHeader, "-")
	if idx < 0 {
		return fallback
	}
	lastByte, err := strconv.ParseInt(rangeHeader[idx+1:], 10, 64)
	if err != nil || lastByte < 0 {
		return fallback
	}
	return lastByte + 1
}

// parseTotalSize extracts the object size from "bytes start-end/total".
func parseTotalSize(contentRange string) (int64, bool) {
	idx := strings.LastIndex(contentRange, "/")
	if idx < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(contentRange[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
