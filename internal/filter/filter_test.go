package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/attachtime/types"
)

func event(resource, attached, resourceType string) types.Event {
	return types.Event{
		Kind:               types.EventDetach,
		ResourceID:         resource,
		AttachedResourceID: attached,
		ResourceType:       resourceType,
		Timestamp:          1000,
	}
}

func TestShouldScanType_NoExclusions(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, f.ShouldScanType("volume"))
	assert.True(t, f.ShouldScanType("network-interface"))
}

func TestShouldScanType_WithExclusions(t *testing.T) {
	f := New([]string{"network-interface"}, nil, nil)
	assert.True(t, f.ShouldScanType("volume"))
	assert.False(t, f.ShouldScanType("network-interface"))
}

func TestShouldInclude(t *testing.T) {
	tests := []struct {
		name   string
		filter *Filter
		event  types.Event
		want   bool
	}{
		{name: "no filters", filter: New(nil, nil, nil), event: event("vol-1", "i-1", "volume"), want: true},
		{name: "nil filter", filter: nil, event: event("vol-1", "i-1", "volume"), want: true},
		{name: "excluded type", filter: New([]string{"volume"}, nil, nil), event: event("vol-1", "i-1", "volume"), want: false},
		{name: "untyped event with type exclusions", filter: New([]string{"volume"}, nil, nil), event: event("vol-1", "i-1", ""), want: true},
		{name: "include matches resource", filter: New(nil, []string{"vol-1"}, nil), event: event("vol-1", "i-1", "volume"), want: true},
		{name: "include matches attached side", filter: New(nil, []string{"i-1"}, nil), event: event("vol-1", "i-1", "volume"), want: true},
		{name: "include misses", filter: New(nil, []string{"vol-9"}, nil), event: event("vol-1", "i-1", "volume"), want: false},
		{name: "exclude wins over include", filter: New(nil, []string{"vol-1"}, []string{"i-1"}), event: event("vol-1", "i-1", "volume"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.ShouldInclude(tt.event))
		})
	}
}

func TestIsEmpty(t *testing.T) {
	var nilFilter *Filter
	assert.True(t, nilFilter.IsEmpty())
	assert.True(t, New(nil, nil, nil).IsEmpty())
	assert.False(t, New(nil, []string{"vol-1"}, nil).IsEmpty())
}
