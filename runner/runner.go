// Package runner manages local model runners: instantiation through
// registered builders and lifecycle through the warm pool.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/models"
	"github.com/convergelabs/modelgate/stream"
)

// State is the runner lifecycle state
type State string

const (
	StateCreated State = "CREATED"
	StateLoaded  State = "LOADED"
	StateReady   State = "READY"
	StateBusy    State = "BUSY"
	StateClosed  State = "CLOSED"
)

// Key identifies a pooled runner: one loaded model bound to one
// runner implementation
type Key struct {
	ModelID    string
	Version    string
	RunnerName string
}

// String renders the key for logs and pool maps
func (k Key) String() string {
	return fmt.Sprintf("%s@%s/%s", k.ModelID, k.Version, k.RunnerName)
}

// Runner is a loaded model instance bound to a device. Instances are
// owned by the warm pool and borrowed exclusively for the duration of
// one inference call via Acquire/Release.
type Runner interface {
	Key() Key
	State() State

	// Generate produces a complete response for the request
	Generate(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error)

	// GenerateStream produces incremental output through the emitter.
	// The implementation calls Finish or Fail before returning.
	GenerateStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error

	// Close releases native and file resources deterministically
	Close() error
}

// Builder instantiates a runner for a manifest. Builders perform the
// expensive load; the pool guarantees at most one concurrent load per
// key.
type Builder func(ctx context.Context, manifest models.Manifest, device string) (Runner, error)

// Factory maps runner names (gguf, onnx, mock, ...) to builders
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
	logger   core.Logger
}

// NewFactory creates an empty runner factory
func NewFactory(logger core.Logger) *Factory {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Factory{
		builders: make(map[string]Builder),
		logger:   logger,
	}
}

// Register adds a builder under a runner name
func (f *Factory) Register(name string, builder Builder) error {
	if name == "" || builder == nil {
		return fmt.Errorf("runner builder requires a name and function: %w", core.ErrInvalidConfiguration)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.builders[name]; exists {
		return fmt.Errorf("runner %q: %w", name, core.ErrAlreadyRegistered)
	}
	f.builders[name] = builder

	f.logger.Info("Runner builder registered", map[string]interface{}{
		"operation": "runner_builder_registered",
		"runner":    name,
	})
	return nil
}

// Build instantiates a runner through the named builder
func (f *Factory) Build(ctx context.Context, manifest models.Manifest, runnerName, device string) (Runner, error) {
	f.mu.RLock()
	builder, ok := f.builders[runnerName]
	f.mu.RUnlock()
	if !ok {
		return nil, core.Errorf(core.KindInvalidArgument, "runner.Build",
			"no builder registered for runner %q", runnerName)
	}
	return builder(ctx, manifest, device)
}

// Names lists registered builder names
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	return names
}
