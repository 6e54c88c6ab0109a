package policy

import (
	"context"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
	"github.com/convergelabs/modelgate/quota"
)

const tenantReservationVar = "quota.tenant_reserved"

// TenantQuotaPlugin reserves one tenant-gate unit during AUTHORIZE.
// The paired cleanup plugin settles the reservation: RecordUsage on
// success, Release otherwise. Orthogonal to the adapter's provider
// gate.
type TenantQuotaPlugin struct {
	base
}

// NewTenantQuotaPlugin creates the AUTHORIZE-phase quota gate
func NewTenantQuotaPlugin() *TenantQuotaPlugin {
	return &TenantQuotaPlugin{base{id: "quota.tenant", phase: core.PhaseAuthorize, order: 10}}
}

func (p *TenantQuotaPlugin) ShouldExecute(ec *pipeline.ExecutionContext) bool {
	return true
}

func (p *TenantQuotaPlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	if engine.Quota == nil {
		return nil
	}
	key := quota.TenantKey(ec.Request.TenantID)
	if _, err := engine.Quota.Reserve(ctx, key, 1); err != nil {
		return err
	}
	ec.Set(tenantReservationVar, key)
	return nil
}

// TenantQuotaCleanupPlugin settles the tenant reservation during
// CLEANUP, on every exit path
type TenantQuotaCleanupPlugin struct {
	base
}

// NewTenantQuotaCleanupPlugin creates the CLEANUP-phase settlement
func NewTenantQuotaCleanupPlugin() *TenantQuotaCleanupPlugin {
	return &TenantQuotaCleanupPlugin{base{id: "quota.tenant_cleanup", phase: core.PhaseCleanup, order: 10}}
}

func (p *TenantQuotaCleanupPlugin) ShouldExecute(ec *pipeline.ExecutionContext) bool {
	_, ok := ec.Get(tenantReservationVar)
	return ok
}

func (p *TenantQuotaCleanupPlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	v, _ := ec.Get(tenantReservationVar)
	key := v.(string)

	if ec.Err == nil && ec.Response != nil {
		return engine.Quota.RecordUsage(ctx, key, 1, int64(ec.Response.TokensUsed))
	}
	if ec.Err == nil {
		// Streaming success; usage settles at the request unit
		return engine.Quota.RecordUsage(ctx, key, 1, 1)
	}
	return engine.Quota.Release(ctx, key, 1)
}
