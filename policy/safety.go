package policy

import (
	"context"
	"fmt"
	"regexp"

	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
	"github.com/convergelabs/modelgate/telemetry"
)

// SafetyPlugin screens every message against configured blocked
// patterns during VALIDATE, before any quota is reserved. A match
// fails the request with POLICY_VIOLATION; suggested action is human
// review.
type SafetyPlugin struct {
	base
	patterns []*regexp.Regexp
}

// NewSafetyPlugin compiles the blocked patterns. Invalid patterns fail
// construction rather than silently not matching.
func NewSafetyPlugin(cfg config.SafetyConfig) (*SafetyPlugin, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, raw := range cfg.BlockedPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", raw, core.ErrInvalidConfiguration)
		}
		patterns = append(patterns, re)
	}
	return &SafetyPlugin{
		base:     base{id: "safety.screen", phase: core.PhaseValidate, order: 10},
		patterns: patterns,
	}, nil
}

func (p *SafetyPlugin) ShouldExecute(ec *pipeline.ExecutionContext) bool {
	return len(p.patterns) > 0
}

func (p *SafetyPlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	for _, m := range ec.Request.Messages {
		for _, re := range p.patterns {
			if re.MatchString(m.Content) {
				telemetry.Counter("policy.safety_blocked", "tenant_id", ec.Request.TenantID)
				ge := core.Errorf(core.KindPolicyViolation, "safety",
					"request content blocked by safety policy")
				ge.RequestID = ec.Request.ID
				return ge
			}
		}
	}
	return nil
}
