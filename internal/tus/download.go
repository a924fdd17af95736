package tus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/driftware/tusgate/internal/gcs"
)

// Downloader opens chunked object reads against the backend.
type Downloader interface {
	OpenDownload(ctx context.Context, bucket, objectKey string) (*gcs.ChunkedReader, error)
}

// Download streams the slot's object back to the client in bounded chunks.
// Each chunk is flushed downstream before the next backend read, so a slow
// client applies backpressure to the backend instead of buffering the object.
func (h *Handlers) Download(c *gin.Context) {
	ctx := c.Request.Context()
	slot := c.Param("slot")

	objectKey, session, err := h.machine.SourceObject(ctx, slot)
	if err != nil {
		respondError(c, err)
		return
	}

	reader, err := h.downloader.OpenDownload(ctx, session.Bucket, objectKey)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", session.Filename))
	c.Header("Content-Type", session.ContentType)
	total := reader.Size()
	if total < 0 {
		total = session.DeclaredSize
	}
	if total >= 0 {
		c.Header("Content-Length", strconv.FormatInt(total, 10))
	}
	c.Status(http.StatusOK)

	var sent int64
	for {
		chunk, err := reader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Headers are already gone; all we can do is drop the connection.
			log.Error().Err(err).Str("slot", slot).Msg("backend read failed mid-download")
			return
		}

		if _, err := c.Writer.Write(chunk); err != nil {
			log.Debug().Err(err).Str("slot", slot).Msg("client went away during download")
			return
		}
		c.Writer.Flush()
		sent += int64(len(chunk))

		if total > 0 {
			log.Debug().
				Str("slot", slot).
				Int64("sent", sent).
				Int64("total", total).
				Msgf("download %d%%", sent*100/total)
		}
	}

	log.Info().
		Str("slot", slot).
		Str("object", objectKey).
		Int64("bytes", sent).
		Msg("download complete")
}
