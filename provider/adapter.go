package provider

import (
	"context"
	"sync"
	"time"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/quota"
	"github.com/convergelabs/modelgate/resilience"
	"github.com/convergelabs/modelgate/stream"
	"github.com/convergelabs/modelgate/telemetry"
)

// AdapterConfig configures the cross-cutting wrap around one provider
type AdapterConfig struct {
	Quota       quota.Service
	Breaker     *resilience.Breaker
	CallTimeout time.Duration

	// HealthInterval enables the background health sampler when > 0
	HealthInterval time.Duration

	Logger core.Logger
	Clock  core.Clock
}

// Adapter wraps a Provider with the per-provider quota gate, the
// circuit breaker and health sampling. Every inference call in the
// gateway goes through an adapter.
//
// Call order per request: quota reserve(1), breaker admit, provider
// call. On success the reservation is settled against actual token
// usage; on failure it is released and the breaker advances only for
// provider-side error kinds.
type Adapter struct {
	provider Provider
	breaker  *resilience.Breaker
	quota    quota.Service
	timeout  time.Duration
	logger   core.Logger
	clock    core.Clock

	healthMu sync.RWMutex
	health   core.HealthStatus

	samplerStop chan struct{}
	stopOnce    sync.Once
}

// NewAdapter wraps a provider. The provider must already be initialized.
func NewAdapter(p Provider, cfg AdapterConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Breaker == nil {
		bc := resilience.DefaultConfig(p.ID())
		bc.Logger = cfg.Logger
		bc.Clock = cfg.Clock
		cfg.Breaker = resilience.NewBreaker(bc)
	}
	a := &Adapter{
		provider:    p,
		breaker:     cfg.Breaker,
		quota:       cfg.Quota,
		timeout:     cfg.CallTimeout,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		health:      core.HealthUnknown,
		samplerStop: make(chan struct{}),
	}
	if cfg.HealthInterval > 0 {
		go a.healthSampler(cfg.HealthInterval)
	}
	return a
}

// ID returns the wrapped provider's id
func (a *Adapter) ID() string { return a.provider.ID() }

// Capabilities returns the wrapped provider's capabilities
func (a *Adapter) Capabilities() Capabilities { return a.provider.Capabilities() }

// Profile returns the wrapped provider's scoring profile
func (a *Adapter) Profile() Profile { return a.provider.Profile() }

// Supports reports whether the wrapped provider serves the model
func (a *Adapter) Supports(modelID string) bool { return a.provider.Supports(modelID) }

// Streaming reports whether the wrapped provider streams
func (a *Adapter) Streaming() bool {
	_, ok := a.provider.(StreamingProvider)
	return ok
}

// Breaker exposes the breaker for router filtering and metrics
func (a *Adapter) Breaker() *resilience.Breaker { return a.breaker }

// Health returns the last sampled health. Unknown until the first
// sample; treated as available by router filtering.
func (a *Adapter) Health() core.HealthStatus {
	a.healthMu.RLock()
	defer a.healthMu.RUnlock()
	return a.health
}

// QuotaRemaining returns the remaining provider-gate capacity for a
// tenant; the router filters candidates with none left.
func (a *Adapter) QuotaRemaining(ctx context.Context, tenantID string) (int64, error) {
	if a.quota == nil {
		return 1, nil
	}
	info, err := a.quota.Check(ctx, quota.ProviderKey(tenantID, a.ID()))
	if err != nil {
		return 0, err
	}
	return info.Remaining, nil
}

// Infer performs one guarded non-streaming call
func (a *Adapter) Infer(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error) {
	release, err := a.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := a.callContext(ctx)
	defer cancel()

	start := a.clock()
	resp, err := a.provider.Infer(callCtx, req, sampling)
	a.observe(ctx, req, err, a.clock().Sub(start))

	if err != nil {
		release(0, false)
		return nil, a.annotate(err, req)
	}
	release(int64(resp.TokensUsed), true)
	return resp, nil
}

// InferStream performs one guarded streaming call. The reservation is
// settled when the provider returns; stream errors surfaced through the
// emitter after chunks were delivered do not retract them.
func (a *Adapter) InferStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error {
	sp, ok := a.provider.(StreamingProvider)
	if !ok {
		return core.Errorf(core.KindInvalidArgument, "adapter.InferStream",
			"provider %q does not support streaming", a.ID())
	}

	release, err := a.admit(ctx, req)
	if err != nil {
		return err
	}

	callCtx, cancel := a.callContext(ctx)
	defer cancel()

	start := a.clock()
	err = sp.InferStream(callCtx, req, sampling, em)
	a.observe(ctx, req, err, a.clock().Sub(start))

	if err != nil {
		release(0, false)
		return a.annotate(err, req)
	}
	release(0, true)
	return nil
}

// admit runs the quota gate then the breaker gate. The returned settle
// function completes the reservation exactly once.
func (a *Adapter) admit(ctx context.Context, req *core.Request) (func(actual int64, success bool), error) {
	key := quota.ProviderKey(req.TenantID, a.ID())

	if a.quota != nil {
		if _, err := a.quota.Reserve(ctx, key, 1); err != nil {
			telemetry.Counter("adapter.quota_rejected", "provider_id", a.ID())
			return nil, a.annotate(err, req)
		}
	}

	if err := a.breaker.Allow(); err != nil {
		if a.quota != nil {
			if rerr := a.quota.Release(ctx, key, 1); rerr != nil {
				a.logger.Warn("Quota release failed", map[string]interface{}{
					"operation":   "quota_release",
					"provider_id": a.ID(),
					"quota_key":   key,
					"error":       rerr.Error(),
				})
			}
		}
		telemetry.Counter("adapter.circuit_rejected", "provider_id", a.ID())
		return nil, a.annotate(err, req)
	}

	var once sync.Once
	settle := func(actual int64, success bool) {
		once.Do(func() {
			if a.quota == nil {
				return
			}
			var err error
			if success {
				err = a.quota.RecordUsage(ctx, key, 1, actual)
			} else {
				err = a.quota.Release(ctx, key, 1)
			}
			if err != nil {
				a.logger.Warn("Quota settlement failed", map[string]interface{}{
					"operation":   "quota_settle",
					"provider_id": a.ID(),
					"quota_key":   key,
					"error":       err.Error(),
				})
			}
		})
	}
	return settle, nil
}

// observe feeds the breaker and metrics after a provider call. Only
// provider-side error kinds advance the breaker; client errors such as
// INVALID_ARGUMENT or QUOTA_EXHAUSTED do not.
func (a *Adapter) observe(ctx context.Context, req *core.Request, err error, elapsed time.Duration) {
	labels := []string{"provider_id", a.ID()}
	telemetry.Histogram("adapter.call.duration_ms", float64(elapsed.Milliseconds()), labels...)

	if err == nil {
		a.breaker.RecordSuccess()
		telemetry.RecordSuccess("adapter.call", labels...)
		return
	}

	if core.CountsTowardBreaker(err) {
		a.breaker.RecordFailure()
	}
	telemetry.RecordError("adapter.call", string(core.KindOf(err)), labels...)

	a.logger.Debug("Provider call failed", map[string]interface{}{
		"operation":   "provider_call",
		"provider_id": a.ID(),
		"request_id":  req.ID,
		"error_kind":  string(core.KindOf(err)),
		"elapsed_ms":  elapsed.Milliseconds(),
	})
}

// annotate stamps provider and request ids onto gateway errors
func (a *Adapter) annotate(err error, req *core.Request) error {
	if ge, ok := err.(*core.GatewayError); ok {
		if ge.ProviderID == "" {
			ge.ProviderID = a.ID()
		}
		if ge.RequestID == "" && req != nil {
			ge.RequestID = req.ID
		}
		return ge
	}
	ge := core.NewGatewayError(core.KindOf(err), "adapter", err)
	ge.ProviderID = a.ID()
	if req != nil {
		ge.RequestID = req.ID
	}
	return ge
}

func (a *Adapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(ctx, a.timeout)
	}
	return context.WithCancel(ctx)
}

// healthSampler periodically polls the provider's health check
func (a *Adapter) healthSampler(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.samplerStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			status := a.provider.Health(ctx)
			cancel()

			a.healthMu.Lock()
			prev := a.health
			a.health = status
			a.healthMu.Unlock()

			if prev != status {
				a.logger.Info("Provider health changed", map[string]interface{}{
					"operation":   "provider_health",
					"provider_id": a.ID(),
					"from":        string(prev),
					"to":          string(status),
				})
				telemetry.Counter("adapter.health_transition",
					"provider_id", a.ID(), "to", string(status))
			}
		}
	}
}

// Shutdown stops the health sampler and shuts the provider down
func (a *Adapter) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		close(a.samplerStop)
		err = a.provider.Shutdown(ctx)
	})
	return err
}
