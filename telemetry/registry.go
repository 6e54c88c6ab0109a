package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/convergelabs/modelgate/core"
)

var (
	// globalRegistry holds the singleton Registry. atomic.Value gives
	// lock-free reads on the metric emission hot path; it is written
	// once by Initialize and cleared by Shutdown.
	globalRegistry atomic.Value // *Registry

	initMu sync.Mutex
)

// Config configures telemetry initialization
type Config struct {
	ServiceName string
	Endpoint    string // OTLP gRPC endpoint for traces; empty with DevMode uses stdout
	DevMode     bool
	Logger      core.Logger
}

// Registry coordinates the OpenTelemetry provider and caches metric
// instruments by name so emission never re-creates them.
type Registry struct {
	provider *OTelProvider
	meter    metric.Meter
	logger   core.Logger

	counters   sync.Map // map[string]metric.Int64Counter
	histograms sync.Map // map[string]metric.Float64Histogram

	emitted atomic.Int64
	dropped atomic.Int64
}

// Initialize sets up the global telemetry registry. Subsequent calls
// return the existing registry.
func Initialize(cfg Config) (*Registry, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if r := activeRegistry(); r != nil {
		return r, nil
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "modelgate"
	}

	provider, err := newOTelProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry provider: %w", err)
	}

	r := &Registry{
		provider: provider,
		meter:    provider.Meter(),
		logger:   cfg.Logger,
	}
	globalRegistry.Store(r)

	cfg.Logger.Info("Telemetry initialized", map[string]interface{}{
		"operation":    "telemetry_init",
		"service_name": cfg.ServiceName,
		"endpoint":     cfg.Endpoint,
		"dev_mode":     cfg.DevMode,
	})
	return r, nil
}

// Shutdown flushes exporters and clears the global registry
func Shutdown(ctx context.Context) error {
	initMu.Lock()
	defer initMu.Unlock()

	r := activeRegistry()
	if r == nil {
		return nil
	}
	globalRegistry.Store((*Registry)(nil))
	return r.provider.Shutdown(ctx)
}

// Tracer returns a core.Telemetry backed by the active tracer provider,
// or a no-op when telemetry is not initialized.
func Tracer() core.Telemetry {
	if r := activeRegistry(); r != nil {
		return r.provider.CoreTelemetry()
	}
	return &core.NoOpTelemetry{}
}

func activeRegistry() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	r, _ := v.(*Registry)
	return r
}

// Emitted returns the count of successfully emitted metrics
func (r *Registry) Emitted() int64 { return r.emitted.Load() }

func (r *Registry) addCounter(name string, n int64, labels []string) {
	inst, ok := r.counters.Load(name)
	if !ok {
		c, err := r.meter.Int64Counter(name)
		if err != nil {
			r.dropped.Add(1)
			return
		}
		inst, _ = r.counters.LoadOrStore(name, c)
	}
	inst.(metric.Int64Counter).Add(context.Background(), n, metric.WithAttributes(toAttributes(labels)...))
	r.emitted.Add(1)
}

func (r *Registry) recordHistogram(name string, value float64, labels []string) {
	inst, ok := r.histograms.Load(name)
	if !ok {
		h, err := r.meter.Float64Histogram(name)
		if err != nil {
			r.dropped.Add(1)
			return
		}
		inst, _ = r.histograms.LoadOrStore(name, h)
	}
	inst.(metric.Float64Histogram).Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
	r.emitted.Add(1)
}

// toAttributes converts variadic key-value pairs to OTel attributes.
// A trailing unpaired label is dropped.
func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
