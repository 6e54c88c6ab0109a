// Package pipeline runs the phased execution model: an ordered set of
// plugins grouped by phase, driven one phase at a time by the engine.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/quota"
	"github.com/convergelabs/modelgate/router"
	"github.com/convergelabs/modelgate/stream"
)

// ExecutionContext is the per-request state shared by plugins. The
// tenant is immutable; the request may be shaped until EXECUTE starts
// (memory injection prepends a system message). Scratch state goes
// through Set/Get and the token is replaced atomically on each
// transition.
type ExecutionContext struct {
	Request *core.Request
	Tenant  *core.TenantContext

	// Sampling is populated during PRE_PROCESSING
	Sampling core.SamplingConfig

	// Decision is populated during ROUTE
	Decision router.Decision

	// Response is populated during EXECUTE for non-streaming requests
	Response *core.Response

	// Emitter is non-nil for streaming requests
	Emitter *stream.Emitter

	// Err is the first pipeline error; set by the pipeline, read by
	// CLEANUP plugins
	Err error

	token atomic.Value // core.ExecutionToken

	mu       sync.RWMutex
	vars     map[string]interface{}
	metadata map[string]interface{}
}

// NewExecutionContext creates the per-request context with a PENDING
// token
func NewExecutionContext(req *core.Request, tenant *core.TenantContext, now time.Time) *ExecutionContext {
	ec := &ExecutionContext{
		Request:  req,
		Tenant:   tenant,
		vars:     make(map[string]interface{}),
		metadata: make(map[string]interface{}),
	}
	ec.token.Store(core.ExecutionToken{
		RequestID: req.ID,
		TenantID:  req.TenantID,
		Phase:     core.PhaseValidate,
		Status:    core.StatusPending,
		Attempt:   1,
		StartedAt: now,
	})
	return ec
}

// Token returns the current progress snapshot
func (ec *ExecutionContext) Token() core.ExecutionToken {
	return ec.token.Load().(core.ExecutionToken)
}

// Transition replaces the token atomically
func (ec *ExecutionContext) Transition(status core.ExecutionStatus, phase core.Phase) {
	ec.token.Store(ec.Token().With(status, phase))
}

// SetAttempt records the retry attempt on the token
func (ec *ExecutionContext) SetAttempt(attempt int) {
	ec.token.Store(ec.Token().WithAttempt(attempt))
}

// Set stores a scratch variable for later plugins
func (ec *ExecutionContext) Set(key string, value interface{}) {
	ec.mu.Lock()
	ec.vars[key] = value
	ec.mu.Unlock()
}

// Get reads a scratch variable
func (ec *ExecutionContext) Get(key string) (interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.vars[key]
	return v, ok
}

// AddMetadata records response metadata (taint markers, cleanup errors,
// decision details)
func (ec *ExecutionContext) AddMetadata(key string, value interface{}) {
	ec.mu.Lock()
	ec.metadata[key] = value
	ec.mu.Unlock()
}

// Metadata returns a copy of the collected metadata
func (ec *ExecutionContext) Metadata() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]interface{}, len(ec.metadata))
	for k, v := range ec.metadata {
		out[k] = v
	}
	return out
}

// EngineContext is the engine-scoped dependency view handed to plugins.
// Shared across requests; everything on it is safe for concurrent use.
type EngineContext struct {
	Config   *config.Config
	Registry *provider.Registry
	Router   *router.Router
	Quota    quota.Service
	Memory   core.Memory
	Logger   core.Logger
	Clock    core.Clock
}
