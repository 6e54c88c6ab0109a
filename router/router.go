// Package router selects a provider for each request by filtering the
// registry and scoring the survivors. Selection is pure: same registry
// state and same request always yield the same decision.
package router

import (
	"context"
	"time"

	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/telemetry"
)

// Decision is the routing outcome. ProviderID is empty when no
// candidate survived filtering; that is a decision, not an error.
type Decision struct {
	RequestID  string                 `json:"request_id"`
	ModelID    string                 `json:"model_id"`
	ProviderID string                 `json:"provider_id,omitempty"`
	Score      float64                `json:"score"`
	Candidates []Candidate            `json:"candidates,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Candidate records one scored provider for decision introspection
type Candidate struct {
	ProviderID string  `json:"provider_id"`
	Score      float64 `json:"score"`
	Filtered   string  `json:"filtered,omitempty"` // why it was excluded, empty if scored
}

// Router scores providers from the registry against configured weights
type Router struct {
	registry *provider.Registry
	weights  config.Weights
	bounds   config.Bounds
	logger   core.Logger
	clock    core.Clock
}

// New creates a router over the registry
func New(registry *provider.Registry, cfg config.RouterConfig, logger core.Logger, clock core.Clock) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Router{
		registry: registry,
		weights:  cfg.Weights,
		bounds:   cfg.Bounds,
		logger:   logger,
		clock:    clock,
	}
}

// Select picks the best available provider for the request. Candidates
// come from the registry sorted by id, so equal scores break ties
// lexicographically.
func (r *Router) Select(ctx context.Context, req *core.Request, tenant *core.TenantContext) Decision {
	decision := Decision{
		RequestID: req.ID,
		ModelID:   req.ModelID,
		Timestamp: r.clock(),
	}

	adapters := r.registry.ForModel(req.ModelID)
	best := -1.0

	for _, a := range adapters {
		cand := Candidate{ProviderID: a.ID()}

		switch {
		case !a.Breaker().Available():
			cand.Filtered = "circuit_open"
		case a.Health() == core.HealthUnhealthy:
			cand.Filtered = "unhealthy"
		default:
			if remaining, err := a.QuotaRemaining(ctx, req.TenantID); err == nil && remaining <= 0 {
				cand.Filtered = "quota_exhausted"
			}
		}

		if cand.Filtered == "" {
			cand.Score = r.score(a.Profile(), tenant, a.ID())
			if cand.Score > best {
				best = cand.Score
				decision.ProviderID = a.ID()
				decision.Score = cand.Score
			}
		}
		decision.Candidates = append(decision.Candidates, cand)
	}

	if decision.ProviderID == "" {
		r.logger.Warn("No provider available for model", map[string]interface{}{
			"operation":  "route_no_provider",
			"request_id": req.ID,
			"model_id":   req.ModelID,
			"candidates": len(adapters),
		})
		telemetry.Counter("router.no_provider", "model_id", req.ModelID)
		return decision
	}

	r.logger.Debug("Provider selected", map[string]interface{}{
		"operation":   "route_selected",
		"request_id":  req.ID,
		"model_id":    req.ModelID,
		"provider_id": decision.ProviderID,
		"score":       decision.Score,
	})
	telemetry.Counter("router.selected", "provider_id", decision.ProviderID)
	return decision
}

// score computes the weighted sum over the normalized profile. Cost and
// latency invert so cheaper and faster score higher; values beyond the
// bounds clamp to the worst score rather than skewing the scale.
func (r *Router) score(p provider.Profile, tenant *core.TenantContext, providerID string) float64 {
	perf := clamp01(p.Performance)
	rel := clamp01(p.Reliability)

	cost := 1.0
	if r.bounds.MaxCostPerToken > 0 {
		cost = 1 - clamp01(p.CostPerToken/r.bounds.MaxCostPerToken)
	}
	lat := 1.0
	if r.bounds.MaxLatencyMs > 0 {
		lat = 1 - clamp01(p.LatencyMs/r.bounds.MaxLatencyMs)
	}

	score := r.weights.Performance*perf +
		r.weights.Cost*cost +
		r.weights.Latency*lat +
		r.weights.Reliability*rel

	if tenant != nil && tenant.ProviderPreference != nil {
		if mult, ok := tenant.ProviderPreference[providerID]; ok {
			score *= mult
		}
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
