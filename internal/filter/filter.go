// Package filter selects which events take part in a report run.
package filter

import (
	"github.com/yairfalse/attachtime/types"
)

// Filter controls which resource types and resource ids are reported.
// It decides per event from the pair alone, so a pair's attach and detach
// events are always kept or dropped together.
type Filter struct {
	excludeTypes     map[string]bool
	includeResources map[string]bool
	excludeResources map[string]bool
}

// New creates a new Filter. includeResources and excludeResources match
// either side of a pair.
func New(excludeTypes, includeResources, excludeResources []string) *Filter {
	return &Filter{
		excludeTypes:     toSet(excludeTypes),
		includeResources: toSet(includeResources),
		excludeResources: toSet(excludeResources),
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// ShouldScanType returns true if events of the given resource type are reported.
func (f *Filter) ShouldScanType(typ string) bool {
	return !f.excludeTypes[typ]
}

// ShouldInclude returns true if the event passes the type and resource filters.
func (f *Filter) ShouldInclude(event types.Event) bool {
	if f == nil {
		return true
	}
	if !f.ShouldScanType(event.ResourceType) {
		return false
	}

	// Include list (whitelist) - either side must match
	if len(f.includeResources) > 0 &&
		!f.includeResources[event.ResourceID] && !f.includeResources[event.AttachedResourceID] {
		return false
	}

	// Exclude list (blacklist) - either side excludes
	if f.excludeResources[event.ResourceID] || f.excludeResources[event.AttachedResourceID] {
		return false
	}

	return true
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return f == nil ||
		len(f.excludeTypes) == 0 && len(f.includeResources) == 0 && len(f.excludeResources) == 0
}
