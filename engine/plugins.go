package engine

import (
	"context"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
)

// routePlugin runs the router during ROUTE. A decision with no
// provider is recorded, not raised; EXECUTE converts it into the
// failure so the decision stays inspectable.
type routePlugin struct{}

func (routePlugin) ID() string                                        { return "engine.route" }
func (routePlugin) Phase() core.Phase                                 { return core.PhaseRoute }
func (routePlugin) Order() int                                        { return 0 }
func (routePlugin) ShouldExecute(ec *pipeline.ExecutionContext) bool  { return true }

func (routePlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	ec.Decision = engine.Router.Select(ctx, ec.Request, ec.Tenant)
	ec.AddMetadata("routed_provider", ec.Decision.ProviderID)
	return nil
}

// executePlugin performs the provider call during EXECUTE
type executePlugin struct{}

func (executePlugin) ID() string                                       { return "engine.execute" }
func (executePlugin) Phase() core.Phase                                { return core.PhaseExecute }
func (executePlugin) Order() int                                       { return 0 }
func (executePlugin) ShouldExecute(ec *pipeline.ExecutionContext) bool { return true }

func (executePlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	if ec.Decision.ProviderID == "" {
		ge := core.Errorf(core.KindProviderUnavailable, "execute",
			"no provider available for model %q", ec.Request.ModelID)
		ge.RequestID = ec.Request.ID
		ge.Action = core.ActionEscalate
		return ge
	}

	adapter, ok := engine.Registry.Get(ec.Decision.ProviderID)
	if !ok {
		// Unregistered between ROUTE and EXECUTE; transient so a retry
		// can re-route
		ge := core.Errorf(core.KindProviderTransient, "execute",
			"provider %q disappeared before execution", ec.Decision.ProviderID)
		ge.RequestID = ec.Request.ID
		return ge
	}

	if ec.Emitter != nil {
		return adapter.InferStream(ctx, ec.Request, ec.Sampling, ec.Emitter)
	}

	resp, err := adapter.Infer(ctx, ec.Request, ec.Sampling)
	if err != nil {
		return err
	}
	ec.Response = resp
	return nil
}
