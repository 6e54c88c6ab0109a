package policy

import (
	"context"
	"strings"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
)

// ValidatePlugin checks request shape during VALIDATE. Failures are
// INVALID_ARGUMENT and never retried.
type ValidatePlugin struct {
	base
}

// NewValidatePlugin creates the VALIDATE-phase shape check
func NewValidatePlugin() *ValidatePlugin {
	return &ValidatePlugin{base{id: "validate.request", phase: core.PhaseValidate, order: 0}}
}

func (p *ValidatePlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	req := ec.Request
	switch {
	case strings.TrimSpace(req.ID) == "":
		return core.Errorf(core.KindInvalidArgument, "validate", "request id is required")
	case strings.TrimSpace(req.TenantID) == "":
		return core.Errorf(core.KindInvalidArgument, "validate", "tenant id is required")
	case strings.TrimSpace(req.ModelID) == "":
		return core.Errorf(core.KindInvalidArgument, "validate", "model id is required")
	case len(req.Messages) == 0:
		return core.Errorf(core.KindInvalidArgument, "validate", "at least one message is required")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem, core.RoleUser, core.RoleAssistant, core.RoleTool:
		default:
			return core.Errorf(core.KindInvalidArgument, "validate",
				"message %d has unknown role %q", i, m.Role)
		}
	}
	if ec.Tenant == nil || ec.Tenant.TenantID != req.TenantID {
		return core.Errorf(core.KindPermissionDenied, "validate",
			"tenant context does not match request tenant")
	}
	return nil
}
