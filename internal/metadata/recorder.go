package metadata

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/driftware/tusgate/pkg/types"
)

// UploadRecord is the durable trace of a finalized upload.
type UploadRecord struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	Tenant      string    `json:"tenant" gorm:"index;not null"`
	Slot        string    `json:"slot" gorm:"index;not null"`
	ObjectKey   string    `json:"object_key" gorm:"not null"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	MD5         string    `json:"md5"`
	FinalizedAt time.Time `json:"finalized_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the record ID
func (r *UploadRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Recorder persists finalized-upload records. It implements the upload event
// sink contract: failures are logged and never propagate into the upload.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates a recorder and runs its migration.
func NewRecorder(db *gorm.DB) (*Recorder, error) {
	if err := db.AutoMigrate(&UploadRecord{}); err != nil {
		return nil, err
	}
	return &Recorder{db: db}, nil
}

// UploadInitiated is a no-op; only committed uploads are recorded.
func (r *Recorder) UploadInitiated(ctx context.Context, event types.UploadEvent) {}

// UploadFinalized writes the record for a committed upload.
func (r *Recorder) UploadFinalized(ctx context.Context, event types.UploadEvent) {
	record := UploadRecord{
		Tenant:      event.Tenant,
		Slot:        event.Slot,
		ObjectKey:   event.ObjectKey,
		Filename:    event.Filename,
		ContentType: event.ContentType,
		Size:        event.Size,
		MD5:         event.MD5,
		FinalizedAt: event.OccurredAt,
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		log.Warn().
			Err(err).
			Str("tenant", event.Tenant).
			Str("slot", event.Slot).
			Msg("failed to record finalized upload")
	}
}
