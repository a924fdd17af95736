package upload

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/driftware/tusgate/pkg/types"
)

// EventSink receives upload lifecycle notifications. Delivery is
// fire-and-forget: sink failures never roll back the upload.
type EventSink interface {
	UploadInitiated(ctx context.Context, event types.UploadEvent)
	UploadFinalized(ctx context.Context, event types.UploadEvent)
}

// LogSink writes upload events to the structured log.
type LogSink struct{}

func (LogSink) UploadInitiated(ctx context.Context, event types.UploadEvent) {
	log.Info().
		Str("tenant", event.Tenant).
		Str("slot", event.Slot).
		Str("object", event.ObjectKey).
		Int64("declared_size", event.Size).
		Msg("upload initiated")
}

func (LogSink) UploadFinalized(ctx context.Context, event types.UploadEvent) {
	log.Info().
		Str("tenant", event.Tenant).
		Str("slot", event.Slot).
		Str("object", event.ObjectKey).
		Int64("size", event.Size).
		Msg("upload finalized")
}

// RedisSink publishes upload events on Redis pub/sub channels for external
// collaborators.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink creates a Redis-backed event sink.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) UploadInitiated(ctx context.Context, event types.UploadEvent) {
	s.publish(ctx, "tusgate:events:initiated", event)
}

func (s *RedisSink) UploadFinalized(ctx context.Context, event types.UploadEvent) {
	s.publish(ctx, "tusgate:events:finalized", event)
}

func (s *RedisSink) publish(ctx context.Context, channel string, event types.UploadEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("failed to encode upload event")
		return
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("failed to publish upload event")
	}
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) UploadInitiated(ctx context.Context, event types.UploadEvent) {
	for _, sink := range m {
		sink.UploadInitiated(ctx, event)
	}
}

func (m MultiSink) UploadFinalized(ctx context.Context, event types.UploadEvent) {
	for _, sink := range m {
		sink.UploadFinalized(ctx, event)
	}
}
