package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/telemetry"
)

// Plugin is one unit of pipeline work bound to a single phase
type Plugin interface {
	ID() string
	Phase() core.Phase

	// Order sorts plugins within a phase; ties break by registration
	// order
	Order() int

	// ShouldExecute lets a plugin skip itself for a given request
	ShouldExecute(ec *ExecutionContext) bool

	Execute(ctx context.Context, ec *ExecutionContext, engine *EngineContext) error
}

type registered struct {
	plugin Plugin
	index  int
}

// Pipeline holds plugins grouped by phase in a fixed total order.
// Registration happens during engine construction; RunPhase is
// read-only and safe for concurrent requests.
type Pipeline struct {
	phases map[core.Phase][]registered
	nextIx int

	softBudget time.Duration
	logger     core.Logger
	clock      core.Clock
}

// New creates an empty pipeline
func New(softBudget time.Duration, logger core.Logger, clock core.Clock) *Pipeline {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		phases:     make(map[core.Phase][]registered),
		softBudget: softBudget,
		logger:     logger,
		clock:      clock,
	}
}

// Register adds a plugin to its phase, keeping (order, registration
// index) total order
func (p *Pipeline) Register(plugin Plugin) error {
	phase := plugin.Phase()
	valid := false
	for _, ph := range core.Phases() {
		if ph == phase {
			valid = true
			break
		}
	}
	if !valid {
		return core.Errorf(core.KindInvalidArgument, "pipeline.Register",
			"plugin %q declares unknown phase %q", plugin.ID(), phase)
	}

	list := append(p.phases[phase], registered{plugin: plugin, index: p.nextIx})
	p.nextIx++
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].plugin.Order() != list[j].plugin.Order() {
			return list[i].plugin.Order() < list[j].plugin.Order()
		}
		return list[i].index < list[j].index
	})
	p.phases[phase] = list
	return nil
}

// RunPhase executes one phase's plugins in order. For every phase but
// CLEANUP the first error stops the phase and is returned. CLEANUP
// always runs every plugin; its errors are aggregated into metadata and
// never override the primary outcome.
func (p *Pipeline) RunPhase(ctx context.Context, phase core.Phase, ec *ExecutionContext, engine *EngineContext) error {
	start := p.clock()
	defer func() {
		elapsed := p.clock().Sub(start)
		telemetry.Histogram("pipeline.phase.duration_ms",
			float64(elapsed.Milliseconds()), "phase", string(phase))
		if p.softBudget > 0 && elapsed > p.softBudget {
			p.logger.Warn("Phase exceeded soft budget", map[string]interface{}{
				"operation":  "phase_budget_overrun",
				"phase":      string(phase),
				"request_id": ec.Request.ID,
				"elapsed_ms": elapsed.Milliseconds(),
				"budget_ms":  p.softBudget.Milliseconds(),
			})
		}
	}()

	var cleanupErrs []string
	for _, reg := range p.phases[phase] {
		plugin := reg.plugin
		if !plugin.ShouldExecute(ec) {
			continue
		}

		err := p.runPlugin(ctx, plugin, ec, engine)
		if err == nil {
			continue
		}

		if phase == core.PhaseCleanup {
			cleanupErrs = append(cleanupErrs, fmt.Sprintf("%s: %v", plugin.ID(), err))
			continue
		}
		p.logger.Debug("Phase plugin failed", map[string]interface{}{
			"operation":  "phase_plugin_error",
			"phase":      string(phase),
			"plugin":     plugin.ID(),
			"request_id": ec.Request.ID,
			"error_kind": string(core.KindOf(err)),
		})
		return err
	}

	if len(cleanupErrs) > 0 {
		ec.AddMetadata("cleanup_errors", cleanupErrs)
		p.logger.Warn("Cleanup finished with errors", map[string]interface{}{
			"operation":  "cleanup_errors",
			"request_id": ec.Request.ID,
			"errors":     len(cleanupErrs),
		})
	}
	return nil
}

// runPlugin isolates plugin panics so one misbehaving plugin cannot
// take the worker down
func (p *Pipeline) runPlugin(ctx context.Context, plugin Plugin, ec *ExecutionContext, engine *EngineContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.Errorf(core.KindInternal, "pipeline.runPlugin",
				"plugin %s panicked: %v", plugin.ID(), r)
		}
	}()
	return plugin.Execute(ctx, ec, engine)
}

// Registered lists plugin ids per phase, for diagnostics
func (p *Pipeline) Registered() map[core.Phase][]string {
	out := make(map[core.Phase][]string, len(p.phases))
	for phase, list := range p.phases {
		ids := make([]string, 0, len(list))
		for _, reg := range list {
			ids = append(ids, reg.plugin.ID())
		}
		out[phase] = ids
	}
	return out
}
