package types

import (
	"fmt"
	"time"
)

// EventKind distinguishes the two halves of an attachment cycle
type EventKind string

const (
	EventAttach EventKind = "attach"
	EventDetach EventKind = "detach"
)

// Key identifies a resource pair, e.g. a volume and the instance it is attached to
type Key struct {
	ResourceID         string `json:"resource_id"`
	AttachedResourceID string `json:"attached_resource_id"`
}

// String returns "resource/attached"
func (k Key) String() string {
	return k.ResourceID + "/" + k.AttachedResourceID
}

// Event is a recorded instant at which one resource began or ended
// association with another
type Event struct {
	Kind               EventKind `json:"kind"`
	ResourceID         string    `json:"resource_id"`
	AttachedResourceID string    `json:"attached_resource_id"`
	Timestamp          int64     `json:"timestamp_ms"`
	Source             string    `json:"source,omitempty"`   // cloudtrail, ec2, manual
	EventID            string    `json:"event_id,omitempty"` // provider event id, stable across imports
	ResourceType       string    `json:"resource_type,omitempty"`
}

// Key returns the resource pair of the event
func (e Event) Key() Key {
	return Key{ResourceID: e.ResourceID, AttachedResourceID: e.AttachedResourceID}
}

// Time returns the event timestamp as UTC time
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Validate checks the event carries everything needed for pairing
func (e Event) Validate() error {
	if e.Kind != EventAttach && e.Kind != EventDetach {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.ResourceID == "" {
		return fmt.Errorf("resource id is required")
	}
	if e.AttachedResourceID == "" {
		return fmt.Errorf("attached resource id is required")
	}
	if e.Timestamp < 0 {
		return fmt.Errorf("timestamp must not be negative (got %d)", e.Timestamp)
	}
	return nil
}
