// Package modelgate assembles the inference gateway control plane: the
// provider registry and adapters, the router, the phased pipeline, the
// runner warm pool, the quota service and the async job subsystem, all
// behind one facade with an explicit init and shutdown lifecycle.
package modelgate

import (
	"context"
	"fmt"
	"time"

	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/engine"
	"github.com/convergelabs/modelgate/models"
	"github.com/convergelabs/modelgate/pipeline"
	"github.com/convergelabs/modelgate/policy"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/providers"
	"github.com/convergelabs/modelgate/providers/local"
	"github.com/convergelabs/modelgate/quota"
	"github.com/convergelabs/modelgate/resilience"
	"github.com/convergelabs/modelgate/router"
	"github.com/convergelabs/modelgate/runner"
	"github.com/convergelabs/modelgate/stream"
	"github.com/convergelabs/modelgate/telemetry"
)

// Gateway is the assembled control plane
type Gateway struct {
	cfg    *config.Config
	logger *core.SimpleLogger

	registry *provider.Registry
	router   *router.Router
	quota    quota.Service
	memory   core.Memory
	catalog  *models.MemoryCatalog
	factory  *runner.Factory
	pool     *runner.Pool

	orchestrator *engine.Orchestrator
	jobs         *engine.JobManager

	quotaRedis *core.RedisClient
	jobsRedis  *core.RedisClient

	initialized bool
}

// New builds and initializes a gateway from configuration
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required: %w", core.ErrMissingConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := core.NewSimpleLogger()
	logger.SetLevel(cfg.LogLevel)

	g := &Gateway{cfg: cfg, logger: logger}

	if cfg.Telemetry.Enabled {
		if _, err := telemetry.Initialize(telemetry.Config{
			ServiceName: cfg.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			DevMode:     cfg.Telemetry.DevMode,
			Logger:      logger,
		}); err != nil {
			return nil, fmt.Errorf("telemetry initialization failed: %w", err)
		}
	}

	if err := g.initState(ctx); err != nil {
		return nil, err
	}
	if err := g.initRunners(); err != nil {
		return nil, err
	}
	if err := g.initProviders(ctx); err != nil {
		return nil, err
	}
	if err := g.initEngine(); err != nil {
		return nil, err
	}

	g.initialized = true
	logger.Info("Gateway initialized", map[string]interface{}{
		"operation": "gateway_init",
		"service":   cfg.ServiceName,
		"providers": len(g.registry.List()),
		"redis":     cfg.Redis.URL != "",
	})
	return g, nil
}

// initState wires quota counters and the memory store, Redis-backed
// when a URL is configured, in-process otherwise
func (g *Gateway) initState(ctx context.Context) error {
	limits := quota.Limits{
		DefaultLimit: g.cfg.Quota.DefaultLimit,
		Window:       g.cfg.Quota.DefaultWindow,
		Overrides:    g.cfg.Quota.Overrides,
	}

	if g.cfg.Redis.URL == "" {
		g.quota = quota.NewMemoryService(limits, quota.WithLogger(g.logger))
		g.memory = core.NewInMemoryStore()
		return nil
	}

	quotaClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  g.cfg.Redis.URL,
		DB:        core.RedisDBQuota,
		Namespace: g.cfg.ServiceName + ":quota",
		Logger:    g.logger,
	})
	if err != nil {
		return err
	}
	jobsClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  g.cfg.Redis.URL,
		DB:        core.RedisDBJobs,
		Namespace: g.cfg.ServiceName + ":jobs",
		Logger:    g.logger,
	})
	if err != nil {
		quotaClient.Close()
		return err
	}

	g.quotaRedis = quotaClient
	g.jobsRedis = jobsClient
	g.quota = quota.NewRedisService(quotaClient, limits, g.logger)
	g.memory = core.NewRedisMemoryStore(jobsClient)
	return nil
}

// initRunners wires the model catalog, the runner factory with its
// built-in builders and the warm pool
func (g *Gateway) initRunners() error {
	g.catalog = models.NewMemoryCatalog()
	g.factory = runner.NewFactory(g.logger)

	builders := map[string]runner.Builder{
		"gguf": runner.SimulatedBuilder("gguf", "gguf", []string{"cpu", "cuda", "metal"}, 50*time.Millisecond),
		"onnx": runner.SimulatedBuilder("onnx", "onnx", []string{"cpu", "cuda"}, 50*time.Millisecond),
		"mock": runner.MockBuilder("mock"),
	}
	for name, b := range builders {
		if err := g.factory.Register(name, b); err != nil {
			return err
		}
	}

	g.pool = runner.NewPool(g.factory, runner.PoolConfig{
		MaxSize: g.cfg.Pool.MaxSize,
		IdleTTL: g.cfg.Pool.IdleTTL,
		Logger:  g.logger,
	})
	return nil
}

// initProviders builds, initializes and registers an adapter per
// configured provider entry
func (g *Gateway) initProviders(ctx context.Context) error {
	g.registry = provider.NewRegistry(g.logger)

	for id, entry := range g.cfg.Providers {
		if !entry.Enabled {
			continue
		}

		var p provider.Provider
		if entry.Type == "local" {
			p = local.New(id, g.catalog, g.pool, g.logger)
		} else {
			factory, ok := providers.GetFactory(entry.Type)
			if !ok {
				return fmt.Errorf("unknown provider type %q for %q: %w",
					entry.Type, id, core.ErrInvalidConfiguration)
			}
			p = factory.Create(id, g.logger)
		}

		settings := entry.Settings
		if settings == nil {
			if factory, ok := providers.GetFactory(entry.Type); ok {
				settings, _ = factory.DetectEnvironment()
			}
		}
		if err := p.Initialize(ctx, settings); err != nil {
			return fmt.Errorf("provider %q initialization failed: %w", id, err)
		}

		breakerCfg := &resilience.Config{
			Name:             id,
			FailureThreshold: g.cfg.Breaker.FailureThreshold,
			Timeout:          g.cfg.Breaker.Timeout,
			Logger:           g.logger,
		}
		adapter := provider.NewAdapter(p, provider.AdapterConfig{
			Quota:          g.quota,
			Breaker:        resilience.NewBreaker(breakerCfg),
			CallTimeout:    g.cfg.Server.MaxDeadline,
			HealthInterval: 30 * time.Second,
			Logger:         g.logger,
		})
		if err := g.registry.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

// initEngine wires the router, the pipeline with the policy plugins,
// the orchestrator and the job manager
func (g *Gateway) initEngine() error {
	g.router = router.New(g.registry, g.cfg.Router, g.logger, nil)

	pl := pipeline.New(g.cfg.Server.PhaseSoftBudget, g.logger, nil)

	safety, err := policy.NewSafetyPlugin(g.cfg.Policies.Safety)
	if err != nil {
		return err
	}
	plugins := []pipeline.Plugin{
		policy.NewValidatePlugin(),
		policy.NewTenantQuotaPlugin(),
		policy.NewTenantQuotaCleanupPlugin(),
		safety,
		policy.NewSamplingPlugin(g.cfg.Policies.Sampling),
		policy.NewMemoryPlugin(g.cfg.Policies.Memory),
		policy.NewToolParsePlugin(),
	}
	for _, p := range plugins {
		if err := pl.Register(p); err != nil {
			return err
		}
	}

	engineCtx := &pipeline.EngineContext{
		Config:   g.cfg,
		Registry: g.registry,
		Router:   g.router,
		Quota:    g.quota,
		Memory:   g.memory,
		Logger:   g.logger,
	}
	orc, err := engine.NewOrchestrator(g.cfg, pl, engineCtx)
	if err != nil {
		return err
	}
	g.orchestrator = orc

	g.jobs = engine.NewJobManager(orc, g.memory,
		g.cfg.Jobs.Workers, g.cfg.Jobs.QueueSize, g.cfg.Jobs.ResultTTL,
		g.logger, nil)
	return nil
}

// Infer runs one synchronous request
func (g *Gateway) Infer(ctx context.Context, req *core.Request, tenant *core.TenantContext) (*core.Response, error) {
	if !g.initialized {
		return nil, core.NewGatewayError(core.KindInternal, "gateway.Infer", core.ErrNotInitialized)
	}
	return g.orchestrator.Infer(ctx, req, tenant)
}

// Stream runs one streaming request; consume the returned emitter
func (g *Gateway) Stream(ctx context.Context, req *core.Request, tenant *core.TenantContext) (*stream.Emitter, error) {
	if !g.initialized {
		return nil, core.NewGatewayError(core.KindInternal, "gateway.Stream", core.ErrNotInitialized)
	}
	return g.orchestrator.Stream(ctx, req, tenant)
}

// SubmitAsync enqueues a request for background execution
func (g *Gateway) SubmitAsync(ctx context.Context, req *core.Request, tenant *core.TenantContext) (string, error) {
	return g.jobs.SubmitAsync(ctx, req, tenant)
}

// JobStatus returns a tenant's job record
func (g *Gateway) JobStatus(ctx context.Context, tenantID, jobID string) (*engine.Job, error) {
	return g.jobs.Status(ctx, tenantID, jobID)
}

// Batch runs requests concurrently and returns per-slot results
func (g *Gateway) Batch(ctx context.Context, reqs []*core.Request, tenant *core.TenantContext) ([]engine.BatchResult, error) {
	return g.jobs.Batch(ctx, reqs, tenant)
}

// RegisterModel adds a manifest to the catalog, optionally prewarming
// its runner
func (g *Gateway) RegisterModel(ctx context.Context, m models.Manifest) error {
	if err := g.catalog.Register(m); err != nil {
		return err
	}
	if g.cfg.Pool.WarmupEnabled {
		g.pool.Prewarm(ctx, []models.Manifest{m}, "gguf", "cpu")
	}
	return nil
}

// EvictRunner closes the pooled runner for a key
func (g *Gateway) EvictRunner(key runner.Key) error {
	return g.pool.Close(key)
}

// Registry exposes the provider registry for dynamic management
func (g *Gateway) Registry() *provider.Registry {
	return g.registry
}

// Shutdown stops the job workers, providers, the pool and the state
// backends. Safe to call once; the gateway is unusable afterwards.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.initialized = false

	g.jobs.Shutdown()
	g.registry.ShutdownAll(ctx)
	g.pool.Shutdown()

	if g.quotaRedis != nil {
		g.quotaRedis.Close()
	}
	if g.jobsRedis != nil {
		g.jobsRedis.Close()
	}
	if g.cfg.Telemetry.Enabled {
		if err := telemetry.Shutdown(ctx); err != nil {
			g.logger.Warn("Telemetry shutdown failed", map[string]interface{}{
				"operation": "gateway_shutdown",
				"error":     err.Error(),
			})
		}
	}

	g.logger.Info("Gateway stopped", map[string]interface{}{
		"operation": "gateway_shutdown",
	})
	return nil
}
