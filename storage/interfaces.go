package storage

import (
	"context"

	"github.com/yairfalse/attachtime/types"
)

// EventWriter records attach and detach events
type EventWriter interface {
	Record(ctx context.Context, event types.Event) error
	RecordBatch(ctx context.Context, events []types.Event) (int, error)
}

// EventReader yields the two scan passes
type EventReader interface {
	ScanAttachments(ctx context.Context, untilMs int64, fn func(types.Event) error) error
	ScanDetachments(ctx context.Context, sinceMs int64, fn func(types.Event) error) error
}

// Checkpointer tracks how far each event source has been imported
type Checkpointer interface {
	Checkpoint(source string) (int64, error)
	SetCheckpoint(source string, ms int64) error
}

// AttachmentIndex remembers which pair an attachment id belongs to, for
// detach calls that name only the attachment id
type AttachmentIndex interface {
	SaveAttachment(attachmentID string, key types.Key) error
	LookupAttachment(attachmentID string) (types.Key, bool, error)
}

// StorageStats provides operational metrics
type StorageStats interface {
	Stats() (attachments, detachments int, sizeBytes int64)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	EventWriter
	EventReader
	Checkpointer
	AttachmentIndex
	StorageStats
	Lifecycle
}
