package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/quota"
	"github.com/convergelabs/modelgate/resilience"
	"github.com/convergelabs/modelgate/stream"
)

// stubProvider is a scriptable provider for adapter and registry tests
type stubProvider struct {
	id       string
	caps     Capabilities
	err      error
	tokens   int
	calls    atomic.Int64
	shutdown atomic.Bool
}

func (s *stubProvider) ID() string                 { return s.id }
func (s *stubProvider) Capabilities() Capabilities { return s.caps }
func (s *stubProvider) Profile() Profile {
	return Profile{Performance: 0.8, Reliability: 0.9}
}
func (s *stubProvider) Supports(modelID string) bool { return MatchesModel(s.caps, modelID) }
func (s *stubProvider) Initialize(ctx context.Context, settings map[string]interface{}) error {
	return nil
}
func (s *stubProvider) Infer(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &core.Response{RequestID: req.ID, Model: req.ModelID, TokensUsed: s.tokens}, nil
}
func (s *stubProvider) InferStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error {
	s.calls.Add(1)
	if s.err != nil {
		em.Fail(s.err)
		return s.err
	}
	if err := em.Emit(ctx, "hello"); err != nil {
		return err
	}
	return em.Finish(ctx)
}
func (s *stubProvider) Health(ctx context.Context) core.HealthStatus { return core.HealthHealthy }
func (s *stubProvider) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)
	return nil
}

func stubRequest() *core.Request {
	return &core.Request{ID: "req-1", TenantID: "acme", ModelID: "gpt-4o",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
}

func TestAdapterSettlesQuotaOnSuccess(t *testing.T) {
	qs := quota.NewMemoryService(quota.Limits{DefaultLimit: 100, Window: time.Hour})
	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}}, tokens: 12}
	a := NewAdapter(p, AdapterConfig{Quota: qs})

	resp, err := a.Infer(context.Background(), stubRequest(), core.SamplingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TokensUsed != 12 {
		t.Errorf("tokens = %d", resp.TokensUsed)
	}

	info, err := qs.Check(context.Background(), quota.ProviderKey("acme", "p1"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Used != 12 {
		t.Errorf("quota used = %d, want 12 (settled to actual)", info.Used)
	}
}

func TestAdapterReleasesQuotaOnFailure(t *testing.T) {
	qs := quota.NewMemoryService(quota.Limits{DefaultLimit: 100, Window: time.Hour})
	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}},
		err: core.Errorf(core.KindProviderTransient, "stub", "backend down")}
	a := NewAdapter(p, AdapterConfig{Quota: qs})

	if _, err := a.Infer(context.Background(), stubRequest(), core.SamplingConfig{}); err == nil {
		t.Fatal("expected provider error")
	}

	info, err := qs.Check(context.Background(), quota.ProviderKey("acme", "p1"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Used != 0 {
		t.Errorf("quota used = %d, want 0 after release", info.Used)
	}
}

func TestAdapterRejectsOnExhaustedQuota(t *testing.T) {
	qs := quota.NewMemoryService(quota.Limits{DefaultLimit: 0, Window: time.Hour})
	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}}}
	a := NewAdapter(p, AdapterConfig{Quota: qs})

	_, err := a.Infer(context.Background(), stubRequest(), core.SamplingConfig{})
	if core.KindOf(err) != core.KindQuotaExhausted {
		t.Errorf("kind = %s, want QUOTA_EXHAUSTED", core.KindOf(err))
	}
	if p.calls.Load() != 0 {
		t.Error("provider must not be called when admission fails")
	}
}

func TestAdapterBreakerRejectionReleasesReservation(t *testing.T) {
	qs := quota.NewMemoryService(quota.Limits{DefaultLimit: 100, Window: time.Hour})
	breaker := resilience.NewBreaker(&resilience.Config{Name: "p1", FailureThreshold: 1, Timeout: time.Minute})
	breaker.RecordFailure()

	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}}}
	a := NewAdapter(p, AdapterConfig{Quota: qs, Breaker: breaker})

	_, err := a.Infer(context.Background(), stubRequest(), core.SamplingConfig{})
	if core.KindOf(err) != core.KindCircuitOpen {
		t.Errorf("kind = %s, want CIRCUIT_OPEN", core.KindOf(err))
	}

	info, err := qs.Check(context.Background(), quota.ProviderKey("acme", "p1"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Used != 0 {
		t.Errorf("quota used = %d, reservation must be released on breaker reject", info.Used)
	}
	if p.calls.Load() != 0 {
		t.Error("provider must not be called through an open breaker")
	}
}

func TestAdapterFeedsBreakerOnProviderErrors(t *testing.T) {
	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}},
		err: core.Errorf(core.KindProviderTransient, "stub", "backend down")}
	breaker := resilience.NewBreaker(&resilience.Config{Name: "p1", FailureThreshold: 2, Timeout: time.Minute})
	a := NewAdapter(p, AdapterConfig{Breaker: breaker})

	for i := 0; i < 2; i++ {
		if _, err := a.Infer(context.Background(), stubRequest(), core.SamplingConfig{}); err == nil {
			t.Fatal("expected provider error")
		}
	}
	if breaker.Available() {
		t.Error("breaker should be open after threshold provider failures")
	}
}

func TestAdapterClientErrorsDoNotFeedBreaker(t *testing.T) {
	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}},
		err: core.Errorf(core.KindInvalidArgument, "stub", "bad prompt")}
	breaker := resilience.NewBreaker(&resilience.Config{Name: "p1", FailureThreshold: 1, Timeout: time.Minute})
	a := NewAdapter(p, AdapterConfig{Breaker: breaker})

	for i := 0; i < 3; i++ {
		if _, err := a.Infer(context.Background(), stubRequest(), core.SamplingConfig{}); err == nil {
			t.Fatal("expected error")
		}
	}
	if !breaker.Available() {
		t.Error("client errors must not open the breaker")
	}
}

func TestAdapterAnnotatesErrors(t *testing.T) {
	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}},
		err: core.Errorf(core.KindProviderTransient, "stub", "backend down")}
	a := NewAdapter(p, AdapterConfig{})

	_, err := a.Infer(context.Background(), stubRequest(), core.SamplingConfig{})
	var ge *core.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("error type = %T", err)
	}
	if ge.ProviderID != "p1" || ge.RequestID != "req-1" {
		t.Errorf("annotation = provider %q request %q", ge.ProviderID, ge.RequestID)
	}
}

func TestAdapterStreamSuccess(t *testing.T) {
	qs := quota.NewMemoryService(quota.Limits{DefaultLimit: 100, Window: time.Hour})
	p := &stubProvider{id: "p1", caps: Capabilities{Streaming: true, ModelPrefixes: []string{"gpt-"}}}
	a := NewAdapter(p, AdapterConfig{Quota: qs})

	em := stream.NewEmitter("req-1", 8)
	done := make(chan error, 1)
	go func() { done <- a.InferStream(context.Background(), stubRequest(), core.SamplingConfig{}, em) }()

	var chunks []core.StreamChunk
	for c := range em.Chunks() {
		chunks = append(chunks, c)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 || !chunks[1].Final {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestRegistryDuplicateAndLookup(t *testing.T) {
	reg := NewRegistry(nil)
	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}}}
	a := NewAdapter(p, AdapterConfig{})

	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(a); err == nil {
		t.Error("duplicate id should be rejected")
	}
	if _, ok := reg.Get("p1"); !ok {
		t.Error("registered adapter should be retrievable")
	}
	if got := reg.ForModel("gpt-4o"); len(got) != 1 {
		t.Errorf("ForModel = %d adapters", len(got))
	}
	if got := reg.ForModel("claude-3"); len(got) != 0 {
		t.Errorf("ForModel for unsupported model = %d adapters", len(got))
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry(nil)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		p := &stubProvider{id: id}
		if err := reg.Register(NewAdapter(p, AdapterConfig{})); err != nil {
			t.Fatal(err)
		}
	}
	list := reg.List()
	want := []string{"alpha", "mid", "zeta"}
	for i, a := range list {
		if a.ID() != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, a.ID(), want[i])
		}
	}
}

func TestRegistryUnregisterLeavesHoldersWorking(t *testing.T) {
	reg := NewRegistry(nil)
	p := &stubProvider{id: "p1", caps: Capabilities{ModelPrefixes: []string{"gpt-"}}}
	a := NewAdapter(p, AdapterConfig{})
	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}

	held, _ := reg.Get("p1")
	if !reg.Unregister("p1") {
		t.Fatal("unregister should report removal")
	}
	if reg.Unregister("p1") {
		t.Error("second unregister should report absence")
	}
	if _, ok := reg.Get("p1"); ok {
		t.Error("adapter should be gone from the catalogue")
	}

	if _, err := held.Infer(context.Background(), stubRequest(), core.SamplingConfig{}); err != nil {
		t.Errorf("held reference must keep working: %v", err)
	}
	if p.shutdown.Load() {
		t.Error("unregister must not shut the provider down")
	}
}

func TestRegistryShutdownAll(t *testing.T) {
	reg := NewRegistry(nil)
	p := &stubProvider{id: "p1"}
	if err := reg.Register(NewAdapter(p, AdapterConfig{})); err != nil {
		t.Fatal(err)
	}

	reg.ShutdownAll(context.Background())
	if !p.shutdown.Load() {
		t.Error("provider should be shut down")
	}
	if len(reg.List()) != 0 {
		t.Error("catalogue should be empty")
	}
}

func TestMatchesModel(t *testing.T) {
	caps := Capabilities{Models: []string{"exact-model"}, ModelPrefixes: []string{"gpt-"}}
	cases := []struct {
		model string
		want  bool
	}{
		{"exact-model", true},
		{"gpt-4o", true},
		{"claude-3", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := MatchesModel(caps, tc.model); got != tc.want {
			t.Errorf("MatchesModel(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}
