package router

import (
	"context"
	"testing"
	"time"

	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/quota"
	"github.com/convergelabs/modelgate/stream"
)

type fakeProvider struct {
	id      string
	caps    provider.Capabilities
	profile provider.Profile
}

func (f *fakeProvider) ID() string                          { return f.id }
func (f *fakeProvider) Capabilities() provider.Capabilities { return f.caps }
func (f *fakeProvider) Profile() provider.Profile           { return f.profile }
func (f *fakeProvider) Supports(modelID string) bool {
	return provider.MatchesModel(f.caps, modelID)
}
func (f *fakeProvider) Initialize(ctx context.Context, settings map[string]interface{}) error {
	return nil
}
func (f *fakeProvider) Infer(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error) {
	return &core.Response{RequestID: req.ID, Model: req.ModelID}, nil
}
func (f *fakeProvider) InferStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error {
	return em.Finish(ctx)
}
func (f *fakeProvider) Health(ctx context.Context) core.HealthStatus { return core.HealthHealthy }
func (f *fakeProvider) Shutdown(ctx context.Context) error           { return nil }

func registerFake(t *testing.T, reg *provider.Registry, id string, profile provider.Profile, qs quota.Service, prefixes ...string) *provider.Adapter {
	t.Helper()
	p := &fakeProvider{
		id:      id,
		caps:    provider.Capabilities{Streaming: true, ModelPrefixes: prefixes},
		profile: profile,
	}
	a := provider.NewAdapter(p, provider.AdapterConfig{Quota: qs})
	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}
	return a
}

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		Weights: config.Weights{Performance: 0.4, Cost: 0.2, Latency: 0.2, Reliability: 0.2},
		Bounds:  config.Bounds{MaxCostPerToken: 0.0001, MaxLatencyMs: 10000},
	}
}

func testRequest(model string) *core.Request {
	return &core.Request{ID: "req-1", TenantID: "acme", ModelID: model,
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
}

func TestRouterSelectsHighestScore(t *testing.T) {
	reg := provider.NewRegistry(nil)
	registerFake(t, reg, "cheap", provider.Profile{Performance: 0.5, CostPerToken: 0.00001, LatencyMs: 500, Reliability: 0.9}, nil, "gpt-")
	registerFake(t, reg, "strong", provider.Profile{Performance: 0.95, CostPerToken: 0.00003, LatencyMs: 800, Reliability: 0.95}, nil, "gpt-")

	r := New(reg, testRouterConfig(), nil, nil)
	d := r.Select(context.Background(), testRequest("gpt-4o"), nil)

	if d.ProviderID != "strong" {
		t.Errorf("selected %q, want strong (performance-weighted)", d.ProviderID)
	}
	if len(d.Candidates) != 2 {
		t.Errorf("candidates = %d, want 2", len(d.Candidates))
	}
}

func TestRouterDeterminism(t *testing.T) {
	reg := provider.NewRegistry(nil)
	registerFake(t, reg, "a", provider.Profile{Performance: 0.8, Reliability: 0.9, CostPerToken: 0.00002, LatencyMs: 700}, nil, "gpt-")
	registerFake(t, reg, "b", provider.Profile{Performance: 0.7, Reliability: 0.95, CostPerToken: 0.00001, LatencyMs: 600}, nil, "gpt-")

	r := New(reg, testRouterConfig(), nil, nil)
	first := r.Select(context.Background(), testRequest("gpt-4o"), nil)
	for i := 0; i < 20; i++ {
		d := r.Select(context.Background(), testRequest("gpt-4o"), nil)
		if d.ProviderID != first.ProviderID || d.Score != first.Score {
			t.Fatalf("selection changed on iteration %d: %q vs %q", i, d.ProviderID, first.ProviderID)
		}
	}
}

func TestRouterLexicographicTiebreak(t *testing.T) {
	reg := provider.NewRegistry(nil)
	same := provider.Profile{Performance: 0.8, CostPerToken: 0.00002, LatencyMs: 700, Reliability: 0.9}
	registerFake(t, reg, "zeta", same, nil, "gpt-")
	registerFake(t, reg, "alpha", same, nil, "gpt-")

	r := New(reg, testRouterConfig(), nil, nil)
	d := r.Select(context.Background(), testRequest("gpt-4o"), nil)
	if d.ProviderID != "alpha" {
		t.Errorf("equal scores should break ties lexicographically, got %q", d.ProviderID)
	}
}

func TestRouterTenantPreference(t *testing.T) {
	reg := provider.NewRegistry(nil)
	registerFake(t, reg, "preferred", provider.Profile{Performance: 0.6, CostPerToken: 0.00002, LatencyMs: 800, Reliability: 0.9}, nil, "gpt-")
	registerFake(t, reg, "stronger", provider.Profile{Performance: 0.9, CostPerToken: 0.00002, LatencyMs: 800, Reliability: 0.9}, nil, "gpt-")

	r := New(reg, testRouterConfig(), nil, nil)
	tenant := &core.TenantContext{
		TenantID:           "acme",
		ProviderPreference: map[string]float64{"preferred": 2.0},
	}
	d := r.Select(context.Background(), testRequest("gpt-4o"), tenant)
	if d.ProviderID != "preferred" {
		t.Errorf("preference multiplier should flip the choice, got %q", d.ProviderID)
	}
}

func TestRouterFiltersOpenBreaker(t *testing.T) {
	reg := provider.NewRegistry(nil)
	good := provider.Profile{Performance: 0.5, CostPerToken: 0.00002, LatencyMs: 800, Reliability: 0.9}
	best := provider.Profile{Performance: 0.95, CostPerToken: 0.00001, LatencyMs: 500, Reliability: 0.95}
	registerFake(t, reg, "backup", good, nil, "gpt-")
	broken := registerFake(t, reg, "primary", best, nil, "gpt-")

	for i := 0; i < 5; i++ {
		broken.Breaker().RecordFailure()
	}

	r := New(reg, testRouterConfig(), nil, nil)
	d := r.Select(context.Background(), testRequest("gpt-4o"), nil)
	if d.ProviderID != "backup" {
		t.Errorf("open breaker should be filtered, got %q", d.ProviderID)
	}
	for _, c := range d.Candidates {
		if c.ProviderID == "primary" && c.Filtered != "circuit_open" {
			t.Errorf("primary filtered reason = %q, want circuit_open", c.Filtered)
		}
	}
}

func TestRouterFiltersExhaustedQuota(t *testing.T) {
	qs := quota.NewMemoryService(quota.Limits{
		DefaultLimit: 1000,
		Window:       time.Hour,
		Overrides:    map[string]int64{quota.ProviderKey("acme", "limited"): 0},
	})

	reg := provider.NewRegistry(nil)
	registerFake(t, reg, "limited", provider.Profile{Performance: 0.95, CostPerToken: 0.00001, LatencyMs: 500, Reliability: 0.95}, qs, "gpt-")
	registerFake(t, reg, "open", provider.Profile{Performance: 0.5, CostPerToken: 0.00002, LatencyMs: 800, Reliability: 0.9}, qs, "gpt-")

	r := New(reg, testRouterConfig(), nil, nil)
	d := r.Select(context.Background(), testRequest("gpt-4o"), nil)
	if d.ProviderID != "open" {
		t.Errorf("exhausted provider gate should be filtered, got %q", d.ProviderID)
	}
}

func TestRouterNoProviderIsNotAnError(t *testing.T) {
	reg := provider.NewRegistry(nil)
	registerFake(t, reg, "claude-only", provider.Profile{Performance: 0.9, Reliability: 0.9}, nil, "claude-")

	r := New(reg, testRouterConfig(), nil, nil)
	d := r.Select(context.Background(), testRequest("gpt-4o"), nil)
	if d.ProviderID != "" {
		t.Errorf("no capable provider should yield empty provider id, got %q", d.ProviderID)
	}
	if d.RequestID != "req-1" || d.ModelID != "gpt-4o" {
		t.Error("empty decision should still carry request and model ids")
	}
}

func TestRouterExactModelListing(t *testing.T) {
	reg := provider.NewRegistry(nil)
	p := &fakeProvider{
		id:      "listed",
		caps:    provider.Capabilities{Models: []string{"custom-model"}},
		profile: provider.Profile{Performance: 0.8, Reliability: 0.9},
	}
	a := provider.NewAdapter(p, provider.AdapterConfig{})
	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}

	r := New(reg, testRouterConfig(), nil, nil)
	if d := r.Select(context.Background(), testRequest("custom-model"), nil); d.ProviderID != "listed" {
		t.Errorf("exact listing should match, got %q", d.ProviderID)
	}
	if d := r.Select(context.Background(), testRequest("other-model"), nil); d.ProviderID != "" {
		t.Errorf("unlisted model should not match, got %q", d.ProviderID)
	}
}
