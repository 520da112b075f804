// Package attachment pairs attach and detach events per resource pair and
// returns how long each pairing lasted inside a fixed reporting window.
//
// Callers feed every attachment first, then every detachment. Only the
// clamped attach instants are retained, one ordered set per pair, so the
// pairing never needs a join between the two event sets and never keeps
// detach history.
package attachment

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"github.com/yairfalse/attachtime/types"
)

// ErrInvalidWindow is returned when a report window ends before it begins
var ErrInvalidWindow = errors.New("invalid report window")

// btree degree for the per-pair attach sets
const degree = 32

// Window is the [BeginMs, EndMs] interval every duration is clipped to
type Window struct {
	BeginMs int64 `json:"begin_ms" yaml:"begin_ms"`
	EndMs   int64 `json:"end_ms" yaml:"end_ms"`
}

// Validate checks BeginMs <= EndMs
func (w Window) Validate() error {
	if w.BeginMs > w.EndMs {
		return fmt.Errorf("%w: begin %d is after end %d", ErrInvalidWindow, w.BeginMs, w.EndMs)
	}
	return nil
}

// Duration returns the width of the window in milliseconds
func (w Window) Duration() int64 {
	return w.EndMs - w.BeginMs
}

// Option configures an Engine
type Option func(*Engine)

// WithConsumeMatched removes an attach instant once a detach has matched it.
// With well-formed input this changes nothing; with two detaches claiming the
// same attach, the second one reports zero instead of double counting.
// Distinct attaches clamped onto the window begin are consumed one at a time.
func WithConsumeMatched() Option {
	return func(e *Engine) {
		e.consume = true
	}
}

// Engine holds pending attach instants for one report run.
// It is not safe for concurrent use; see SyncEngine.
type Engine struct {
	window  Window
	consume bool
	pending map[types.Key]*attachSet
	stored  int
}

// attachSet holds the clamped attach instants of one pair. Only the window
// begin can be shared by distinct attaches, so only it carries a count.
type attachSet struct {
	instants *btree.BTreeG[int64]
	atBegin  map[int64]struct{} // raw attach times clamped onto the window begin
}

func newAttachSet() *attachSet {
	return &attachSet{
		instants: btree.NewOrderedG[int64](degree),
		atBegin:  make(map[int64]struct{}),
	}
}

// New creates an engine for the window [reportBeginMs, reportEndMs]
func New(reportBeginMs, reportEndMs int64, opts ...Option) (*Engine, error) {
	window := Window{BeginMs: reportBeginMs, EndMs: reportEndMs}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		window:  window,
		pending: make(map[types.Key]*attachSet),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewForWindow is New taking a Window
func NewForWindow(window Window, opts ...Option) (*Engine, error) {
	return New(window.BeginMs, window.EndMs, opts...)
}

// Attach records that resourceID was attached to attachedResourceID at timestampMs.
// Attachments starting after the window are dropped; earlier ones are clamped
// to the window start.
func (e *Engine) Attach(resourceID, attachedResourceID string, timestampMs int64) {
	if timestampMs > e.window.EndMs {
		return
	}

	key := types.Key{ResourceID: resourceID, AttachedResourceID: attachedResourceID}
	set, ok := e.pending[key]
	if !ok {
		set = newAttachSet()
		e.pending[key] = set
	}

	if timestampMs <= e.window.BeginMs {
		if _, seen := set.atBegin[timestampMs]; seen {
			return
		}
		set.atBegin[timestampMs] = struct{}{}
		set.instants.ReplaceOrInsert(e.window.BeginMs)
		e.stored++
		return
	}

	if _, replaced := set.instants.ReplaceOrInsert(timestampMs); !replaced {
		e.stored++
	}
}

// Detach returns how long the pair was attached inside the window, ending at
// timestampMs. It returns 0 when the detach precedes the window or when no
// attach at or before timestampMs was recorded for the pair.
func (e *Engine) Detach(resourceID, attachedResourceID string, timestampMs int64) int64 {
	durationMs, _ := e.Match(resourceID, attachedResourceID, timestampMs)
	return durationMs
}

// Match is Detach that also reports whether the detach paired with an attach.
// A matched detach may still last zero milliseconds, e.g. one at the window
// begin or at the same instant as its attach.
func (e *Engine) Match(resourceID, attachedResourceID string, timestampMs int64) (durationMs int64, matched bool) {
	if timestampMs < e.window.BeginMs {
		return 0, false
	}

	key := types.Key{ResourceID: resourceID, AttachedResourceID: attachedResourceID}
	set, ok := e.pending[key]
	if !ok {
		return 0, false
	}

	attachedAt, found := floor(set.instants, timestampMs)
	if !found {
		return 0, false
	}

	if e.consume {
		e.consumeInstant(set, attachedAt)
	}

	// attachedAt <= timestampMs and attachedAt <= EndMs, so this is never negative
	return min(timestampMs, e.window.EndMs) - attachedAt, true
}

func (e *Engine) consumeInstant(set *attachSet, attachedAt int64) {
	e.stored--
	if attachedAt == e.window.BeginMs && len(set.atBegin) > 0 {
		for raw := range set.atBegin {
			delete(set.atBegin, raw)
			break
		}
		if len(set.atBegin) > 0 {
			return
		}
	}
	set.instants.Delete(attachedAt)
}

// Window returns the report window
func (e *Engine) Window() Window {
	return e.window
}

// ConsumesMatched reports whether the engine runs in strict mode
func (e *Engine) ConsumesMatched() bool {
	return e.consume
}

// Keys returns the number of resource pairs seen by Attach
func (e *Engine) Keys() int {
	return len(e.pending)
}

// Pending returns the number of attaches currently held, counting distinct
// attaches clamped onto the window begin separately
func (e *Engine) Pending() int {
	return e.stored
}

// floor returns the greatest value in set that is <= target
func floor(set *btree.BTreeG[int64], target int64) (int64, bool) {
	var (
		result int64
		found  bool
	)
	set.DescendLessOrEqual(target, func(item int64) bool {
		result = item
		found = true
		return false
	})
	return result, found
}
