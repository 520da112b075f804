// Package report sums attached durations returned by the engine into per-pair
// and per-resource usage for one report window.
package report

import (
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/attachtime/attachment"
	"github.com/yairfalse/attachtime/types"
)

// PairUsage is the attached time of one resource pair
type PairUsage struct {
	ResourceID         string  `json:"resource_id"`
	AttachedResourceID string  `json:"attached_resource_id"`
	ResourceType       string  `json:"resource_type,omitempty"`
	AttachedMs         int64   `json:"attached_ms"`
	Detaches           int     `json:"detaches"`
	Utilization        float64 `json:"utilization"` // AttachedMs / window width
}

// ResourceUsage is the attached time of one resource across all its pairs
type ResourceUsage struct {
	ResourceID   string  `json:"resource_id"`
	ResourceType string  `json:"resource_type,omitempty"`
	AttachedMs   int64   `json:"attached_ms"`
	Pairs        int     `json:"pairs"`
	Utilization  float64 `json:"utilization"`
}

// Report is the aggregated result of one run
type Report struct {
	Window      attachment.Window `json:"window"`
	Strict      bool              `json:"strict"`
	GeneratedAt time.Time         `json:"generated_at"`
	Pairs       []PairUsage       `json:"pairs"`
	Resources   []ResourceUsage   `json:"resources"`
	TotalMs     int64             `json:"total_attached_ms"`
	Attaches    int64             `json:"attaches"` // attach events scanned, set by the caller
	Detaches    int64             `json:"detaches"`
	Unmatched   int64             `json:"unmatched_detaches"`     // no attach to pair with
	ZeroLength  int64             `json:"zero_duration_detaches"` // matched, but nothing inside the window
}

type pairTotal struct {
	resourceType string
	ms           int64
	detaches     int
}

// Aggregator collects durations for one window. Safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	window    attachment.Window
	strict    bool
	pairs     map[types.Key]*pairTotal
	detaches   int64
	unmatched  int64
	zeroLength int64
	now        func() time.Time
}

// NewAggregator creates an aggregator for window
func NewAggregator(window attachment.Window) *Aggregator {
	return &Aggregator{
		window: window,
		pairs:  make(map[types.Key]*pairTotal),
		now:    time.Now,
	}
}

// SetStrict records whether durations came from a strict-mode engine
func (a *Aggregator) SetStrict(strict bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strict = strict
}

// Add records the duration returned for one detach event and whether the
// engine paired it with an attach. Zero durations add nothing.
func (a *Aggregator) Add(event types.Event, durationMs int64, matched bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.detaches++
	switch {
	case !matched:
		a.unmatched++
		return
	case durationMs <= 0:
		a.zeroLength++
		return
	}

	key := event.Key()
	total, ok := a.pairs[key]
	if !ok {
		total = &pairTotal{resourceType: event.ResourceType}
		a.pairs[key] = total
	}
	total.ms += durationMs
	total.detaches++
}

// Report builds the sorted report. Aggregation may continue afterwards.
func (a *Aggregator) Report() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := &Report{
		Window:      a.window,
		Strict:      a.strict,
		GeneratedAt: a.now().UTC(),
		Pairs:       make([]PairUsage, 0, len(a.pairs)),
		Detaches:    a.detaches,
		Unmatched:   a.unmatched,
		ZeroLength:  a.zeroLength,
	}

	byResource := make(map[string]*ResourceUsage)
	for key, total := range a.pairs {
		r.Pairs = append(r.Pairs, PairUsage{
			ResourceID:         key.ResourceID,
			AttachedResourceID: key.AttachedResourceID,
			ResourceType:       total.resourceType,
			AttachedMs:         total.ms,
			Detaches:           total.detaches,
			Utilization:        a.utilization(total.ms),
		})
		r.TotalMs += total.ms

		usage, ok := byResource[key.ResourceID]
		if !ok {
			usage = &ResourceUsage{ResourceID: key.ResourceID, ResourceType: total.resourceType}
			byResource[key.ResourceID] = usage
		}
		usage.AttachedMs += total.ms
		usage.Pairs++
	}

	r.Resources = make([]ResourceUsage, 0, len(byResource))
	for _, usage := range byResource {
		usage.Utilization = a.utilization(usage.AttachedMs)
		r.Resources = append(r.Resources, *usage)
	}

	sort.Slice(r.Pairs, func(i, j int) bool {
		pi, pj := r.Pairs[i], r.Pairs[j]
		if pi.AttachedMs != pj.AttachedMs {
			return pi.AttachedMs > pj.AttachedMs
		}
		if pi.ResourceID != pj.ResourceID {
			return pi.ResourceID < pj.ResourceID
		}
		return pi.AttachedResourceID < pj.AttachedResourceID
	})
	sort.Slice(r.Resources, func(i, j int) bool {
		if r.Resources[i].AttachedMs != r.Resources[j].AttachedMs {
			return r.Resources[i].AttachedMs > r.Resources[j].AttachedMs
		}
		return r.Resources[i].ResourceID < r.Resources[j].ResourceID
	})

	return r
}

// utilization can exceed 1 for a resource attached to several targets at once
func (a *Aggregator) utilization(ms int64) float64 {
	width := a.window.Duration()
	if width <= 0 {
		return 0
	}
	return float64(ms) / float64(width)
}
