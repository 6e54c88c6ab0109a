package policy

import (
	"context"
	"fmt"

	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
)

// MemoryPlugin injects stored tenant context as a system message during
// PRE_PROCESSING, bounded by the configured token budget. Token counts
// use the rough len/4 estimate; exact counting belongs to providers.
type MemoryPlugin struct {
	base
	cfg config.MemoryConfig
}

// NewMemoryPlugin creates the PRE_PROCESSING-phase context injector
func NewMemoryPlugin(cfg config.MemoryConfig) *MemoryPlugin {
	return &MemoryPlugin{
		base: base{id: "memory.inject", phase: core.PhasePreProcessing, order: 20},
		cfg:  cfg,
	}
}

func (p *MemoryPlugin) ShouldExecute(ec *pipeline.ExecutionContext) bool {
	return p.cfg.Enabled
}

func (p *MemoryPlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	if engine.Memory == nil {
		return nil
	}
	stored, err := engine.Memory.Get(ctx, memoryKey(ec.Request.TenantID))
	if err != nil || stored == "" {
		// Missing context never fails the request
		return nil
	}

	budget := p.cfg.MaxInjectedTokens
	if budget <= 0 {
		budget = 1024
	}
	if estimateTokens(stored) > budget {
		stored = stored[:budget*4]
		ec.AddMetadata("memory_truncated", true)
	}

	injected := core.Message{Role: core.RoleSystem, Content: stored}
	ec.Request.Messages = append([]core.Message{injected}, ec.Request.Messages...)
	ec.AddMetadata("memory_injected_tokens", estimateTokens(stored))

	engine.Logger.Debug("Tenant context injected", map[string]interface{}{
		"operation":  "memory_inject",
		"request_id": ec.Request.ID,
		"tenant_id":  ec.Request.TenantID,
		"tokens":     estimateTokens(stored),
	})
	return nil
}

func memoryKey(tenantID string) string {
	return fmt.Sprintf("memory:tenant:%s", tenantID)
}

func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 && len(s) > 0 {
		n = 1
	}
	return n
}
