package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/yairfalse/attachtime/types"
	"go.etcd.io/bbolt"
)

// ErrInvalidEvent is returned for events that cannot be paired
var ErrInvalidEvent = errors.New("invalid event")

// Bucket names in bbolt
var (
	bucketAttachments = []byte("attachments")
	bucketDetachments = []byte("detachments")
	bucketMeta        = []byte("meta")
)

// Key prefixes in the meta bucket
const (
	checkpointPrefix = "checkpoint:"
	attachmentPrefix = "attachment:"
)

// EventLog stores attach and detach events, one bucket per kind, keyed so a
// cursor walks each bucket in timestamp order
type EventLog struct {
	mu sync.RWMutex

	db  *bbolt.DB
	dir string
}

// OpenEventLog opens or creates the event log under dir
func OpenEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "attachtime.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketAttachments, bucketDetachments, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &EventLog{db: db, dir: dir}, nil
}

// Close closes the event log
func (l *EventLog) Close() error {
	return l.db.Close()
}

// Record stores a single event. Recording the same event twice keeps one copy.
func (l *EventLog) Record(ctx context.Context, event types.Event) error {
	_, err := l.RecordBatch(ctx, []types.Event{event})
	return err
}

// RecordBatch stores events in one transaction and returns how many were written.
// The whole batch is rejected if any event is invalid.
func (l *EventLog) RecordBatch(ctx context.Context, events []types.Event) (int, error) {
	for i, event := range events {
		if err := event.Validate(); err != nil {
			return 0, fmt.Errorf("%w at index %d: %v", ErrInvalidEvent, i, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bbolt.Tx) error {
		for i, event := range events {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("batch cancelled: %w", err)
				}
			}

			value, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("failed to marshal event at index %d: %w", i, err)
			}
			if err := tx.Bucket(bucketFor(event.Kind)).Put(makeEventKey(event), value); err != nil {
				return fmt.Errorf("failed to put event at index %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(events), nil
}

// ScanAttachments calls fn for every attach event at or before untilMs, oldest first.
// Attachments after untilMs cannot contribute to a report ending there.
func (l *EventLog) ScanAttachments(ctx context.Context, untilMs int64, fn func(types.Event) error) error {
	if untilMs < 0 {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAttachments).Cursor()
		upper := timestampPrefix(untilMs)

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytes.Compare(k[:8], upper) > 0 {
				break
			}
			if err := visit(ctx, v, fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanDetachments calls fn for every detach event at or after sinceMs, oldest first.
// Detachments before sinceMs cannot contribute to a report starting there.
func (l *EventLog) ScanDetachments(ctx context.Context, sinceMs int64, fn func(types.Event) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDetachments).Cursor()

		for k, v := c.Seek(timestampPrefix(max(sinceMs, 0))); k != nil; k, v = c.Next() {
			if err := visit(ctx, v, fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// Checkpoint returns the last imported instant for source, or 0
func (l *EventLog) Checkpoint(source string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ms int64
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(checkpointPrefix + source))
		if data == nil {
			return nil
		}
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt checkpoint for %s: %w", source, err)
		}
		ms = n
		return nil
	})
	return ms, err
}

// SetCheckpoint records the last imported instant for source
func (l *EventLog) SetCheckpoint(source string, ms int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(checkpointPrefix+source), []byte(strconv.FormatInt(ms, 10)))
	})
}

// SaveAttachment records the pair an attachment id was created for
func (l *EventLog) SaveAttachment(attachmentID string, key types.Key) error {
	if attachmentID == "" {
		return fmt.Errorf("%w: attachment id is required", ErrInvalidEvent)
	}
	value, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to encode attachment %s: %w", attachmentID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(attachmentPrefix+attachmentID), value)
	})
}

// LookupAttachment returns the pair saved for attachmentID
func (l *EventLog) LookupAttachment(attachmentID string) (types.Key, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		key   types.Key
		found bool
	)
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(attachmentPrefix + attachmentID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &key); err != nil {
			return fmt.Errorf("corrupt attachment %s: %w", attachmentID, err)
		}
		found = true
		return nil
	})
	return key, found, err
}

// Stats returns event counts per kind and the database file size
func (l *EventLog) Stats() (attachments, detachments int, sizeBytes int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_ = l.db.View(func(tx *bbolt.Tx) error {
		attachments = tx.Bucket(bucketAttachments).Stats().KeyN
		detachments = tx.Bucket(bucketDetachments).Stats().KeyN
		sizeBytes = tx.Size()
		return nil
	})
	return attachments, detachments, sizeBytes
}

// Path returns the directory holding the database
func (l *EventLog) Path() string {
	return l.dir
}

func visit(ctx context.Context, value []byte, fn func(types.Event) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scan cancelled: %w", err)
	}

	var event types.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to decode event: %w", err)
	}
	return fn(event)
}

func bucketFor(kind types.EventKind) []byte {
	if kind == types.EventAttach {
		return bucketAttachments
	}
	return bucketDetachments
}

// makeEventKey creates a timestamp-ordered key: 8 bytes big-endian ms, then
// the event id (or the resource pair when the source has no id)
func makeEventKey(event types.Event) []byte {
	id := event.EventID
	if id == "" {
		id = event.Key().String()
	}
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(event.Timestamp)) //nolint:gosec // validated non-negative
	return append(key, id...)
}

func timestampPrefix(ms int64) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(ms)) //nolint:gosec // callers pass non-negative instants
	return prefix
}
