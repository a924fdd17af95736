package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftware/tusgate/pkg/types"
)

func newTestClient(backendURL string, chunkSize int64) *Client {
	return NewClient(backendURL+"/upload/storage/v1", backendURL+"/storage/v1", chunkSize, StaticTokenSource("test-token"))
}

func TestOpenSession(t *testing.T) {
	var gotRequest *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequest = r.Clone(context.Background())
		w.Header().Set("Location", "http://session.example/abc")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1024)

	uri, err := client.OpenSession(context.Background(), "bucket", "tenant/key", "text/plain", 42, map[string]string{"NAME": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "http://session.example/abc", uri)

	require.NotNil(t, gotRequest)
	assert.Equal(t, http.MethodPost, gotRequest.Method)
	assert.Equal(t, "Bearer test-token", gotRequest.Header.Get("Authorization"))
	assert.Equal(t, "text/plain", gotRequest.Header.Get("X-Upload-Content-Type"))
	assert.Equal(t, "42", gotRequest.Header.Get("X-Upload-Content-Length"))
	assert.Contains(t, gotRequest.URL.RawQuery, "uploadType=resumable")
}

func TestOpenSession_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		location string
		wantAuth bool
	}{
		{name: "auth failure", status: http.StatusForbidden, wantAuth: true},
		{name: "server error", status: http.StatusServiceUnavailable},
		{name: "no location", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.location != "" {
					w.Header().Set("Location", tt.location)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(server.URL, 1024)
			_, err := client.OpenSession(context.Background(), "bucket", "key", "text/plain", 1, nil)
			require.Error(t, err)

			var authErr *types.BackendAuthError
			var reqErr *types.BackendRequestError
			if tt.wantAuth {
				assert.ErrorAs(t, err, &authErr)
			} else {
				assert.ErrorAs(t, err, &reqErr)
			}
		})
	}
}

func TestAppendChunk_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes 0-9/10", r.Header.Get("Content-Range"))
		body, _ := io.ReadAll(r.Body)
		assert.Len(t, body, 10)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1024)
	result, err := client.AppendChunk(context.Background(), server.URL, make([]byte, 10), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, int64(10), result.AcceptedOffset)
}

func TestAppendChunk_Continue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Range", "bytes=0-524287")
		w.WriteHeader(http.StatusPermanentRedirect)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1024)
	result, err := client.AppendChunk(context.Background(), server.URL, make([]byte, 1000000), 0, 1000000)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, result.Status)
	assert.Equal(t, int64(524288), result.AcceptedOffset)
}

func TestAppendChunk_ContinueWithoutRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPermanentRedirect)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1024)
	result, err := client.AppendChunk(context.Background(), server.URL, make([]byte, 100), 50, 200)
	require.NoError(t, err)
	assert.Equal(t, StatusContinue, result.Status)
	// No acknowledged range means nothing new was accepted.
	assert.Equal(t, int64(50), result.AcceptedOffset)
}

func TestAppendChunk_Transient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1024)
	result, err := client.AppendChunk(context.Background(), server.URL, make([]byte, 100), 40, 200)
	require.NoError(t, err)
	assert.Equal(t, StatusTransient, result.Status)
	assert.Equal(t, int64(40), result.AcceptedOffset)
	assert.Equal(t, http.StatusServiceUnavailable, result.HTTPStatus)
}

func TestAppendChunk_ZeroLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes */10", r.Header.Get("Content-Range"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1024)
	result, err := client.AppendChunk(context.Background(), server.URL, nil, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)
}

func TestDeleteObject_SwallowsFailures(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer server.Close()

			client := newTestClient(server.URL, 1024)
			assert.NoError(t, client.DeleteObject(context.Background(), "bucket", "key"))
		})
	}
}

func TestChunkedReader(t *testing.T) {
	content := make([]byte, 2500)
	for i := range content {
		content[i] = byte(i % 251)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int64
		_, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		require.NoError(t, err)

		if start >= int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if end >= int64(len(content)) {
			end = int64(len(content)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1000)
	reader, err := client.OpenDownload(context.Background(), "bucket", "key")
	require.NoError(t, err)

	var got []byte
	var chunks int
	for {
		chunk, err := reader.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, len(chunk), 1000)
		got = append(got, chunk...)
		chunks++
	}

	assert.Equal(t, content, got)
	assert.Equal(t, 3, chunks)
	assert.Equal(t, int64(2500), reader.Size())
	assert.Equal(t, int64(2500), reader.BytesRead())
}

func TestChunkedReader_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1000)
	_, err := client.OpenDownload(context.Background(), "bucket", "missing")
	require.Error(t, err)

	var noContent *types.NoContentError
	assert.ErrorAs(t, err, &noContent)
}

func TestParseAcceptedOffset(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		fallback int64
		want     int64
	}{
		{name: "standard range", header: "bytes=0-524287", fallback: 0, want: 524288},
		{name: "later range", header: "bytes=0-999999", fallback: 524288, want: 1000000},
		{name: "empty header", header: "", fallback: 100, want: 100},
		{name: "malformed", header: "bytes=garbage", fallback: 7, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseAcceptedOffset(tt.header, tt.fallback))
		})
	}
}
