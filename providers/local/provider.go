// Package local implements the provider backed by the in-process
// runner warm pool. Models come from the manifest catalog; the pool
// owns runner lifecycle.
package local

import (
	"context"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/models"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/providers"
	"github.com/convergelabs/modelgate/runner"
	"github.com/convergelabs/modelgate/stream"
)

// Provider serves catalogued models through pooled runners
type Provider struct {
	id      string
	catalog models.Catalog
	pool    *runner.Pool
	logger  core.Logger

	runnerName string
	device     string

	profile provider.Profile
}

// New creates a local provider over the pool and catalog
func New(id string, catalog models.Catalog, pool *runner.Pool, logger core.Logger) *Provider {
	if id == "" {
		id = "local"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Provider{
		id:         id,
		catalog:    catalog,
		pool:       pool,
		logger:     logger,
		runnerName: "gguf",
		device:     "cpu",
		profile: provider.Profile{
			Performance:  0.6,
			CostPerToken: 0,
			LatencyMs:    250,
			Reliability:  0.99,
		},
	}
}

func (p *Provider) ID() string { return p.id }

// Capabilities lists the catalogued model ids
func (p *Provider) Capabilities() provider.Capabilities {
	caps := provider.Capabilities{
		Streaming:        true,
		MaxContextTokens: 32768,
	}
	for _, m := range p.catalog.List() {
		caps.Models = append(caps.Models, m.ModelID)
	}
	return caps
}

func (p *Provider) Profile() provider.Profile { return p.profile }

// Supports reports whether the catalog carries the model
func (p *Provider) Supports(modelID string) bool {
	_, ok := p.catalog.Lookup(modelID, "")
	return ok
}

// Initialize reads runner and device selection from settings
func (p *Provider) Initialize(ctx context.Context, settings map[string]interface{}) error {
	p.runnerName = providers.StringSetting(settings, "runner", p.runnerName)
	p.device = providers.StringSetting(settings, "device", p.device)

	p.logger.Info("Local provider initialized", map[string]interface{}{
		"operation": "provider_init",
		"provider":  p.id,
		"runner":    p.runnerName,
		"device":    p.device,
	})
	return nil
}

// Infer borrows a pooled runner for one generation
func (p *Provider) Infer(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error) {
	manifest, ok := p.catalog.Lookup(req.ModelID, "")
	if !ok {
		return nil, core.NewGatewayError(core.KindProviderUnavailable, p.id+".Infer", core.ErrModelNotFound)
	}
	lease, err := p.pool.Acquire(ctx, manifest, p.runnerName, p.device)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Runner().Generate(ctx, req, sampling)
}

// InferStream borrows a pooled runner for one streaming generation
func (p *Provider) InferStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error {
	manifest, ok := p.catalog.Lookup(req.ModelID, "")
	if !ok {
		err := core.NewGatewayError(core.KindProviderUnavailable, p.id+".InferStream", core.ErrModelNotFound)
		em.Fail(err)
		return err
	}
	lease, err := p.pool.Acquire(ctx, manifest, p.runnerName, p.device)
	if err != nil {
		em.Fail(err)
		return err
	}
	defer lease.Release()
	return lease.Runner().GenerateStream(ctx, req, sampling, em)
}

// Prewarm loads every catalogued model in the background
func (p *Provider) Prewarm(ctx context.Context) {
	p.pool.Prewarm(ctx, p.catalog.List(), p.runnerName, p.device)
}

// Health is healthy while the pool accepts loads
func (p *Provider) Health(ctx context.Context) core.HealthStatus {
	return core.HealthHealthy
}

// Shutdown drains and closes the pool
func (p *Provider) Shutdown(ctx context.Context) error {
	p.pool.Shutdown()
	return nil
}
