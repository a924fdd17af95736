package upload

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftware/tusgate/internal/gcs"
	"github.com/driftware/tusgate/pkg/config"
	"github.com/driftware/tusgate/pkg/types"
)

// BackendClient is the slice of the backend session client the state machine
// drives.
type BackendClient interface {
	OpenSession(ctx context.Context, bucket, objectKey, contentType string, declaredSize int64, meta map[string]string) (string, error)
	AppendChunk(ctx context.Context, sessionURI string, data []byte, rangeStart, declaredSize int64) (gcs.ChunkResult, error)
	DeleteObject(ctx context.Context, bucket, objectKey string) error
}

// BucketResolver yields the backend bucket for the context's tenant.
type BucketResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StartOptions carries the client-supplied session parameters. Metadata is
// frozen once the session starts appending.
type StartOptions struct {
	DeclaredSize int64
	ContentType  string
	Filename     string
	Extension    string
	MD5          string
}

// Machine drives upload sessions from initiation through chunk append to
// finalize. One machine serves all slots; per-slot serialization comes from
// the registry.
type Machine struct {
	backend  BackendClient
	buckets  BucketResolver
	registry *Registry
	sink     EventSink
	cfg      config.UploadConfig

	now func() time.Time
}

// NewMachine creates the upload state machine.
func NewMachine(backend BackendClient, buckets BucketResolver, registry *Registry, sink EventSink, cfg config.UploadConfig) *Machine {
	if sink == nil {
		sink = LogSink{}
	}
	return &Machine{
		backend:  backend,
		buckets:  buckets,
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start opens a new upload session for the slot, replacing any in-flight one.
// A pending object left by a previous session is deleted best-effort first.
func (m *Machine) Start(ctx context.Context, slot string, opts StartOptions) (Session, error) {
	tenant, ok := types.TenantFromContext(ctx)
	if !ok {
		return Session{}, &types.MissingHeaderError{Header: "X-Tenant-ID"}
	}

	var snapshot Session
	err := m.registry.withSlot(ctx, tenant, slot, func(prev *Session) (*Session, error) {
		session, err := m.startLocked(ctx, tenant, slot, opts, prev)
		if err != nil {
			return prev, err
		}
		snapshot = session.Snapshot()
		return session, nil
	})
	return snapshot, err
}

// Append feeds one client chunk into the session. declaredOffset must equal
// the backend-confirmed accepted offset; a disagreeing client must re-probe
// with Head before resuming.
func (m *Machine) Append(ctx context.Context, slot string, declaredOffset int64, data []byte) (Session, error) {
	tenant, ok := types.TenantFromContext(ctx)
	if !ok {
		return Session{}, &types.MissingHeaderError{Header: "X-Tenant-ID"}
	}

	var snapshot Session
	err := m.registry.withSlot(ctx, tenant, slot, func(session *Session) (*Session, error) {
		if session == nil || session.State == StateUninitialized {
			return session, &types.NoUploadError{Slot: slot}
		}
		if session.State == StateFailed {
			return session, &types.NoUploadError{Slot: slot}
		}
		if session.State == StateFinalized {
			// Idempotent completion probe is fine; new bytes are not.
			if declaredOffset == session.DeclaredSize && len(data) == 0 {
				snapshot = session.Snapshot()
				return session, nil
			}
			return session, &types.OffsetConflictError{Declared: declaredOffset, Accepted: session.BytesAccepted}
		}
		if declaredOffset != session.BytesAccepted {
			return session, &types.OffsetConflictError{Declared: declaredOffset, Accepted: session.BytesAccepted}
		}

		err := m.appendLocked(ctx, session, data)
		snapshot = session.Snapshot()
		return session, err
	})
	return snapshot, err
}

// Consume streams an entire request body through the append loop, reading one
// bounded chunk at a time. A stream shorter than the declared size leaves the
// session appending; the client can resume later.
func (m *Machine) Consume(ctx context.Context, slot string, opts StartOptions, body io.Reader) (Session, error) {
	tenant, ok := types.TenantFromContext(ctx)
	if !ok {
		return Session{}, &types.MissingHeaderError{Header: "X-Tenant-ID"}
	}

	var snapshot Session
	err := m.registry.withSlot(ctx, tenant, slot, func(prev *Session) (*Session, error) {
		session, err := m.startLocked(ctx, tenant, slot, opts, prev)
		if err != nil {
			return prev, err
		}

		buf := make([]byte, m.cfg.ChunkSize)
		for session.State == StateAppending {
			n, readErr := io.ReadFull(body, buf)
			if readErr == io.EOF {
				break
			}
			if readErr != nil && readErr != io.ErrUnexpectedEOF {
				snapshot = session.Snapshot()
				return session, readErr
			}

			if err := m.appendLocked(ctx, session, buf[:n]); err != nil {
				snapshot = session.Snapshot()
				return session, err
			}

			// Short block means the stream is done.
			if readErr == io.ErrUnexpectedEOF {
				break
			}
		}

		// Drive the final transition when the stream delivered everything.
		if session.State == StateAppending && session.Remaining() == 0 {
			if err := m.appendLocked(ctx, session, nil); err != nil {
				snapshot = session.Snapshot()
				return session, err
			}
		}

		snapshot = session.Snapshot()
		return session, nil
	})
	return snapshot, err
}

// Head returns a consistent snapshot of the slot's session.
func (m *Machine) Head(ctx context.Context, slot string) (Session, error) {
	tenant, ok := types.TenantFromContext(ctx)
	if !ok {
		return Session{}, &types.MissingHeaderError{Header: "X-Tenant-ID"}
	}

	snapshot := m.registry.Snapshot(ctx, tenant, slot)
	if snapshot == nil {
		return Session{}, &types.NoUploadError{Slot: slot}
	}
	return *snapshot, nil
}

// SourceObject returns the object key downloads should serve: the finalized
// object, or the in-flight pending one when nothing has been committed yet.
func (m *Machine) SourceObject(ctx context.Context, slot string) (string, Session, error) {
	tenant, ok := types.TenantFromContext(ctx)
	if !ok {
		return "", Session{}, &types.MissingHeaderError{Header: "X-Tenant-ID"}
	}

	snapshot := m.registry.Snapshot(ctx, tenant, slot)
	if snapshot == nil {
		return "", Session{}, &types.NoContentError{Slot: slot}
	}

	key := snapshot.FinalizedObjectKey
	if key == "" {
		key = snapshot.PendingObjectKey
	}
	if key == "" {
		return "", Session{}, &types.NoContentError{Slot: slot}
	}

	return key, *snapshot, nil
}

// SweepExpired deletes pending objects of sessions past their TTL and retires
// the session records. Cleanup is advisory; failures are logged, not surfaced.
func (m *Machine) SweepExpired(ctx context.Context) {
	now := m.now()
	for _, expired := range m.registry.Expired(now) {
		session := expired
		m.registry.withSlot(ctx, session.Tenant, session.Slot, func(current *Session) (*Session, error) {
			if current == nil || !current.Expired(now) || current.State == StateFinalized {
				return current, nil
			}

			if current.PendingObjectKey != "" {
				m.backend.DeleteObject(ctx, current.Bucket, current.PendingObjectKey)
			}

			log.Info().
				Str("tenant", current.Tenant).
				Str("slot", current.Slot).
				Msg("abandoned upload session swept")

			// Keep the record when a previously committed object still
			// exists, so downloads keep working.
			if current.FinalizedObjectKey == "" {
				return nil, nil
			}
			current.PendingObjectKey = ""
			current.SessionURI = ""
			current.State = StateFailed
			return current, nil
		})
	}
}

// RunSweeper sweeps expired sessions periodically until the context ends.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// startLocked performs session initiation under the slot lock.
func (m *Machine) startLocked(ctx context.Context, tenant, slot string, opts StartOptions, prev *Session) (*Session, error) {
	bucket, err := m.buckets.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	session := &Session{
		Tenant:       tenant,
		Slot:         slot,
		DeclaredSize: opts.DeclaredSize,
		ContentType:  opts.ContentType,
		Filename:     opts.Filename,
		Extension:    opts.Extension,
		MD5:          opts.MD5,
		Bucket:       bucket,
		State:        StateInitiating,
	}
	if session.ContentType == "" {
		session.ContentType = "application/octet-stream"
	}
	if session.Filename == "" {
		session.Filename = uuid.New().String()
	}

	// A replaced session's pending object is garbage; its finalized object is
	// still the committed content until the new upload completes.
	if prev != nil {
		session.FinalizedObjectKey = prev.FinalizedObjectKey
		if prev.PendingObjectKey != "" {
			m.backend.DeleteObject(ctx, prev.Bucket, prev.PendingObjectKey)
		}
	}

	session.PendingObjectKey = tenant + "/" + uuid.New().String()

	meta := map[string]string{
		"NAME":   session.Filename,
		"TENANT": tenant,
		"SLOT":   slot,
	}

	sessionURI, err := m.backend.OpenSession(ctx, bucket, session.PendingObjectKey, session.ContentType, session.DeclaredSize, meta)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session.SessionURI = sessionURI
	session.BytesAccepted = 0
	session.RetryCount = 0
	session.State = StateAppending
	session.CreatedAt = now
	session.ExpiresAt = now.Add(m.cfg.SessionTTL)

	m.sink.UploadInitiated(ctx, m.event(session))

	return session, nil
}

// appendLocked drives the append loop for one client chunk under the slot
// lock. The backend's acknowledged offset decides how much of the buffered
// chunk is consumed; the unconsumed remainder is resent without re-reading
// from the client.
func (m *Machine) appendLocked(ctx context.Context, session *Session, data []byte) error {
	var lastErr error

	for {
		result, err := m.backend.AppendChunk(ctx, session.SessionURI, data, session.BytesAccepted, session.DeclaredSize)
		if err != nil {
			var authErr *types.BackendAuthError
			if errors.As(err, &authErr) {
				session.State = StateFailed
				return err
			}
			lastErr = err
		}

		switch result.Status {
		case gcs.StatusComplete:
			session.BytesAccepted = session.DeclaredSize
			session.RetryCount = 0
			m.finalizeLocked(ctx, session)
			return nil

		case gcs.StatusContinue:
			consumed := result.AcceptedOffset - session.BytesAccepted
			if consumed < 0 {
				consumed = 0
			}
			// The backend should never consume past the buffered chunk;
			// clamp so the next client read shrinks instead of corrupting
			// the offset bookkeeping.
			if consumed > int64(len(data)) {
				consumed = int64(len(data))
			}

			session.BytesAccepted += consumed
			if session.BytesAccepted > session.DeclaredSize {
				session.BytesAccepted = session.DeclaredSize
			}
			session.RetryCount = 0
			data = data[consumed:]

			if len(data) == 0 {
				// Nothing buffered; the client sends the rest in a later
				// request.
				return nil
			}

		case gcs.StatusTransient:
			session.RetryCount++
			if lastErr == nil {
				lastErr = &types.BackendRequestError{Status: result.HTTPStatus, Body: result.Body}
			}
			if session.RetryCount >= m.cfg.MaxRetries {
				session.State = StateFailed
				return &types.MaxRetriesExceeded{Attempts: session.RetryCount, Last: lastErr}
			}

			log.Warn().
				Str("slot", session.Slot).
				Int("attempt", session.RetryCount).
				Int("status", result.HTTPStatus).
				Msg("transient backend error, retrying chunk")
		}
	}
}

// finalizeLocked swaps the bookkeeping pointers: the pending object becomes
// the committed one, and the previously committed object is retired
// best-effort in the background. This step cannot fail.
func (m *Machine) finalizeLocked(ctx context.Context, session *Session) {
	session.State = StateFinalizing

	retired := session.FinalizedObjectKey
	session.FinalizedObjectKey = session.PendingObjectKey
	session.PendingObjectKey = ""
	session.State = StateFinalized

	m.sink.UploadFinalized(ctx, m.event(session))

	if retired != "" {
		bucket := session.Bucket
		go func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m.backend.DeleteObject(cleanupCtx, bucket, retired)
		}()
	}
}

func (m *Machine) event(session *Session) types.UploadEvent {
	key := session.FinalizedObjectKey
	if key == "" {
		key = session.PendingObjectKey
	}
	return types.UploadEvent{
		Tenant:      session.Tenant,
		Slot:        session.Slot,
		ObjectKey:   key,
		Filename:    session.Filename,
		ContentType: session.ContentType,
		Size:        session.DeclaredSize,
		MD5:         session.MD5,
		OccurredAt:  m.now(),
	}
}
