package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/attachtime/storage"
	"github.com/yairfalse/attachtime/telemetry"
	"github.com/yairfalse/attachtime/types"
)

// EventSource yields attach and detach events for a time range
type EventSource interface {
	// Events returns the events recorded in [start, end]
	Events(ctx context.Context, start, end time.Time) (*Batch, error)

	// Name identifies the source in checkpoints and logs
	Name() string
}

// Batch is the result of one EventSource call
type Batch struct {
	Events  []types.Event
	Skipped int // records that could not be turned into events
}

// SourceConfig holds provider configuration
type SourceConfig struct {
	Region      string
	Profile     string
	SeedEC2     bool
	Logger      *telemetry.Logger
	Attachments storage.AttachmentIndex
}

// SourceFactory builds the event sources of one provider
type SourceFactory func(ctx context.Context, config SourceConfig) ([]EventSource, error)

// Registry of available providers
var factories = make(map[string]SourceFactory)

// RegisterSources registers a provider's source factory
func RegisterSources(name string, factory SourceFactory) {
	factories[name] = factory
}

// NewSources builds the sources of the named provider
func NewSources(ctx context.Context, name string, config SourceConfig) ([]EventSource, error) {
	factory, exists := factories[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return factory(ctx, config)
}
