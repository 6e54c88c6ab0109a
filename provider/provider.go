// Package provider defines the provider SPI, the registry and the
// adapter that wraps every provider call with quota, circuit breaker
// and health accounting.
package provider

import (
	"context"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/stream"
)

// State is the provider lifecycle state
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitializing  State = "INITIALIZING"
	StateReady         State = "READY"
	StateDegraded      State = "DEGRADED"
	StateShutdown      State = "SHUTDOWN"
)

// Capabilities declares what a provider can serve. The registry indexes
// on these for capability iteration and the router consults them when
// matching models.
type Capabilities struct {
	Streaming        bool     `json:"streaming"`
	ToolCalling      bool     `json:"tool_calling"`
	Multimodal       bool     `json:"multimodal"`
	Embeddings       bool     `json:"embeddings"`
	MaxContextTokens int      `json:"max_context_tokens"`
	ModelPrefixes    []string `json:"model_prefixes,omitempty"`
	Models           []string `json:"models,omitempty"`
}

// Profile carries the static scoring inputs the router weighs.
// Performance and Reliability are 0..1; CostPerToken is USD per output
// token; LatencyMs is the expected p50.
type Profile struct {
	Performance  float64 `json:"performance"`
	CostPerToken float64 `json:"cost_per_token"`
	LatencyMs    float64 `json:"latency_ms"`
	Reliability  float64 `json:"reliability"`
}

// Provider is the backend SPI. Implementations are remote vendor
// clients or the local runner pool; all of them are called through the
// Adapter, never directly.
type Provider interface {
	ID() string
	Capabilities() Capabilities
	Profile() Profile

	// Supports reports whether the provider can serve the model,
	// by exact listing or by prefix.
	Supports(modelID string) bool

	// Initialize prepares the provider from its settings map.
	// Called once before registration.
	Initialize(ctx context.Context, settings map[string]interface{}) error

	// Infer performs one complete generation
	Infer(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error)

	// Health performs a lightweight liveness check
	Health(ctx context.Context) core.HealthStatus

	Shutdown(ctx context.Context) error
}

// StreamingProvider is implemented by providers that support
// incremental output. The adapter falls back to Infer for the rest.
type StreamingProvider interface {
	Provider
	InferStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error
}

// MatchesModel implements the shared exact-then-prefix model matching
// used by provider Supports implementations.
func MatchesModel(caps Capabilities, modelID string) bool {
	for _, m := range caps.Models {
		if m == modelID {
			return true
		}
	}
	for _, p := range caps.ModelPrefixes {
		if len(modelID) >= len(p) && modelID[:len(p)] == p {
			return true
		}
	}
	return false
}
