package tus

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/driftware/tusgate/internal/upload"
	"github.com/driftware/tusgate/pkg/config"
	"github.com/driftware/tusgate/pkg/types"
)

const (
	tusVersion     = "1.0.0"
	tusExtensions  = "creation,expiration"
	exposedHeaders = "Location,Upload-Offset,Upload-Length,Upload-Expires,Tus-Resumable"
)

// Handlers is the client-facing protocol adapter. It validates the wire
// protocol and delegates every state change to the upload machine.
type Handlers struct {
	machine    *upload.Machine
	downloader Downloader
	cfg        config.UploadConfig
}

// NewHandlers creates the protocol adapter.
func NewHandlers(machine *upload.Machine, downloader Downloader, cfg config.UploadConfig) *Handlers {
	return &Handlers{
		machine:    machine,
		downloader: downloader,
		cfg:        cfg,
	}
}

// Options advertises the protocol capabilities. No state interaction.
func (h *Handlers) Options(c *gin.Context) {
	c.Header("Tus-Resumable", tusVersion)
	c.Header("Tus-Version", tusVersion)
	c.Header("Tus-Max-Size", strconv.FormatInt(h.cfg.MaxSize, 10))
	c.Header("Tus-Extension", tusExtensions)
	c.Status(http.StatusNoContent)
}

// Create opens an upload session for the slot. Requires Upload-Length and a
// protocol version token; filename comes from Upload-Metadata or is
// generated.
func (h *Handlers) Create(c *gin.Context) {
	// Some clients tunnel PATCH through POST.
	if c.GetHeader("X-HTTP-Method-Override") == http.MethodPatch {
		h.Patch(c)
		return
	}

	if c.GetHeader("Tus-Resumable") == "" {
		respondError(c, &types.MissingHeaderError{Header: "Tus-Resumable"})
		return
	}

	lengthHeader := c.GetHeader("Upload-Length")
	if lengthHeader == "" {
		respondError(c, &types.MissingHeaderError{Header: "Upload-Length"})
		return
	}
	declaredSize, err := strconv.ParseInt(lengthHeader, 10, 64)
	if err != nil || declaredSize < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid Upload-Length header"})
		return
	}
	if declaredSize > h.cfg.MaxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "declared size exceeds maximum"})
		return
	}

	filename := metadataFilename(c.GetHeader("Upload-Metadata"))
	opts := upload.StartOptions{
		DeclaredSize: declaredSize,
		ContentType:  c.ContentType(),
		Filename:     filename,
		Extension:    c.GetHeader("Upload-Extension"),
		MD5:          c.GetHeader("Upload-MD5"),
	}
	if opts.Extension == "" {
		opts.Extension = extensionOf(filename)
	}

	session, err := h.machine.Start(c.Request.Context(), c.Param("slot"), opts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Location", c.Request.URL.Path)
	c.Header("Tus-Resumable", tusVersion)
	c.Header("Upload-Expires", session.ExpiresAt.UTC().Format(time.RFC3339))
	c.Header("Access-Control-Expose-Headers", exposedHeaders)
	c.Status(http.StatusCreated)
}

// Head reports the backend-confirmed offset. Read-only and idempotent.
func (h *Handlers) Head(c *gin.Context) {
	session, err := h.machine.Head(c.Request.Context(), c.Param("slot"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Upload-Offset", strconv.FormatInt(session.BytesAccepted, 10))
	c.Header("Upload-Length", strconv.FormatInt(session.DeclaredSize, 10))
	c.Header("Tus-Resumable", tusVersion)
	c.Header("Cache-Control", "no-store")
	c.Header("Access-Control-Expose-Headers", exposedHeaders)
	c.Status(http.StatusOK)
}

// Patch appends one chunk at the declared offset. The chunk is read in full
// before any backend call; a stream that closes early is accepted as a short
// chunk.
func (h *Handlers) Patch(c *gin.Context) {
	lengthHeader := c.GetHeader("Content-Length")
	if lengthHeader == "" {
		respondError(c, &types.MissingHeaderError{Header: "Content-Length"})
		return
	}
	chunkLength, err := strconv.ParseInt(lengthHeader, 10, 64)
	if err != nil || chunkLength < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid Content-Length header"})
		return
	}

	offsetHeader := c.GetHeader("Upload-Offset")
	if offsetHeader == "" {
		respondError(c, &types.MissingHeaderError{Header: "Upload-Offset"})
		return
	}
	declaredOffset, err := strconv.ParseInt(offsetHeader, 10, 64)
	if err != nil || declaredOffset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid Upload-Offset header"})
		return
	}

	data := make([]byte, chunkLength)
	n, readErr := io.ReadFull(c.Request.Body, data)
	if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	data = data[:n]

	session, err := h.machine.Append(c.Request.Context(), c.Param("slot"), declaredOffset, data)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Upload-Offset", strconv.FormatInt(session.BytesAccepted, 10))
	c.Header("Upload-Expires", session.ExpiresAt.UTC().Format(time.RFC3339))
	c.Header("Tus-Resumable", tusVersion)
	c.Header("Access-Control-Expose-Headers", exposedHeaders)
	c.Status(http.StatusNoContent)
}

// Info serves the JSON metadata view of the slot's content.
func (h *Handlers) Info(c *gin.Context) {
	session, err := h.machine.Head(c.Request.Context(), c.Param("slot"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.FileInfo{
		Filename:    session.Filename,
		ContentType: session.ContentType,
		Size:        session.DeclaredSize,
		Extension:   session.Extension,
		MD5:         session.MD5,
	})
}

// DirectUpload streams a whole object in one request, bridging it onto the
// same resumable session machinery chunk by chunk.
func (h *Handlers) DirectUpload(c *gin.Context) {
	sizeHeader := c.GetHeader("X-Upload-Size")
	if sizeHeader == "" {
		respondError(c, &types.MissingHeaderError{Header: "X-Upload-Size"})
		return
	}
	declaredSize, err := strconv.ParseInt(sizeHeader, 10, 64)
	if err != nil || declaredSize < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid X-Upload-Size header"})
		return
	}
	if declaredSize > h.cfg.MaxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "declared size exceeds maximum"})
		return
	}

	filename := c.GetHeader("X-Upload-Filename")
	if filename == "" {
		if encoded := c.GetHeader("X-Upload-Filename-B64"); encoded != "" {
			if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				filename = string(decoded)
			}
		}
	}

	opts := upload.StartOptions{
		DeclaredSize: declaredSize,
		ContentType:  c.ContentType(),
		Filename:     filename,
		Extension:    c.GetHeader("X-Upload-Extension"),
		MD5:          c.GetHeader("X-Upload-Md5hash"),
	}
	if opts.Extension == "" {
		opts.Extension = extensionOf(filename)
	}

	session, err := h.machine.Consume(c.Request.Context(), c.Param("slot"), opts, c.Request.Body)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if session.State == upload.StateFinalized {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"slot":     session.Slot,
		"size":     session.DeclaredSize,
		"accepted": session.BytesAccepted,
		"state":    string(session.State),
	})
}

// respondError maps bridge errors onto protocol status codes.
func respondError(c *gin.Context, err error) {
	status := types.StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("upload request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// metadataFilename extracts the filename pair from an Upload-Metadata header,
// whose entries are comma-separated "key base64value" pairs.
func metadataFilename(header string) string {
	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(strings.TrimSpace(pair))
		if len(fields) != 2 || fields[0] != "filename" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return ""
		}
		return string(decoded)
	}
	return ""
}

// extensionOf derives a file extension from the filename, if it has one.
func extensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx <= 0 || idx == len(filename)-1 {
		return ""
	}
	return filename[idx+1:]
}
