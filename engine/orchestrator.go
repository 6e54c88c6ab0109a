// Package engine drives requests through the phased pipeline: admission
// and dedupe, deadline capping, the EXECUTE retry loop and terminal
// status accounting. It also hosts the async job subsystem.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
	"github.com/convergelabs/modelgate/resilience"
	"github.com/convergelabs/modelgate/stream"
	"github.com/convergelabs/modelgate/telemetry"
)

// Orchestrator is the request entry point. One instance serves all
// tenants concurrently.
type Orchestrator struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	engine   *pipeline.EngineContext
	retry    *resilience.RetryConfig
	logger   core.Logger
	clock    core.Clock

	// inflight maps request ids to their dedupe-window expiry; zero
	// time marks a request still running
	inflightMu sync.Mutex
	inflight   map[string]time.Time
}

// NewOrchestrator wires the pipeline and built-in plugins
func NewOrchestrator(cfg *config.Config, pl *pipeline.Pipeline, engine *pipeline.EngineContext) (*Orchestrator, error) {
	logger := engine.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	clock := engine.Clock
	if clock == nil {
		clock = time.Now
	}

	for _, p := range []pipeline.Plugin{routePlugin{}, executePlugin{}} {
		if err := pl.Register(p); err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		cfg:      cfg,
		pipeline: pl,
		engine:   engine,
		retry: &resilience.RetryConfig{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			BaseDelay:     cfg.Retry.BaseDelay,
			MaxBackoff:    cfg.Retry.MaxBackoff,
			JitterEnabled: true,
		},
		logger:   logger,
		clock:    clock,
		inflight: make(map[string]time.Time),
	}, nil
}

// Infer runs one non-streaming request through the full pipeline
func (o *Orchestrator) Infer(ctx context.Context, req *core.Request, tenant *core.TenantContext) (*core.Response, error) {
	if err := o.admit(req); err != nil {
		return nil, err
	}
	defer o.settle(req.ID)

	ctx, cancel := o.deadlineContext(ctx, req)
	defer cancel()

	ec := pipeline.NewExecutionContext(req, tenant, o.clock())
	o.run(ctx, ec)

	if ec.Err != nil {
		return nil, ec.Err
	}
	resp := ec.Response
	if md := ec.Metadata(); len(md) > 0 {
		if resp.Metadata == nil {
			resp.Metadata = make(map[string]interface{}, len(md))
		}
		for k, v := range md {
			resp.Metadata[k] = v
		}
	}
	return resp, nil
}

// Stream runs one streaming request. The emitter is returned
// immediately; the pipeline runs in the background and terminates the
// stream through Finish or Fail. Cancel on the emitter stops the
// producer at its next write.
func (o *Orchestrator) Stream(ctx context.Context, req *core.Request, tenant *core.TenantContext) (*stream.Emitter, error) {
	if err := o.admit(req); err != nil {
		return nil, err
	}

	em := stream.NewEmitter(req.ID, o.cfg.Stream.BufferSize)
	ec := pipeline.NewExecutionContext(req, tenant, o.clock())
	ec.Emitter = em

	go func() {
		defer o.settle(req.ID)

		runCtx, cancel := o.deadlineContext(ctx, req)
		defer cancel()

		o.run(runCtx, ec)
		if ec.Err != nil {
			// Providers fail the emitter themselves; this covers errors
			// raised before EXECUTE reached the provider
			em.Fail(ec.Err)
		}
	}()
	return em, nil
}

// run drives the phases. EXECUTE failures that are retryable re-run
// ROUTE then EXECUTE with exponential backoff, so a provider whose
// breaker opened on the failed attempt is filtered out of the next one.
// Streaming requests get a single attempt: emitted chunks cannot be
// retracted, so there is nothing safe to retry.
func (o *Orchestrator) run(ctx context.Context, ec *pipeline.ExecutionContext) {
	start := o.clock()
	telemetry.Counter("engine.requests", "tenant_id", ec.Request.TenantID)

	for _, phase := range []core.Phase{
		core.PhaseValidate,
		core.PhaseAuthorize,
		core.PhaseRoute,
		core.PhasePreProcessing,
	} {
		ec.Transition(core.StatusRunning, phase)
		if err := o.pipeline.RunPhase(ctx, phase, ec, o.engine); err != nil {
			ec.Err = err
			o.finish(ctx, ec, start)
			return
		}
	}

	maxAttempts := o.retry.MaxAttempts
	if ec.Emitter != nil {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		ec.SetAttempt(attempt)
		ec.Transition(core.StatusRunning, core.PhaseExecute)

		err := o.pipeline.RunPhase(ctx, core.PhaseExecute, ec, o.engine)
		if err == nil {
			ec.Err = nil
			break
		}
		ec.Err = err

		if !core.IsRetryable(err) || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := o.retry.Backoff(attempt)
		o.logger.Info("Retrying execution", map[string]interface{}{
			"operation":  "execute_retry",
			"request_id": ec.Request.ID,
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
			"error_kind": string(core.KindOf(err)),
		})
		telemetry.Counter("engine.retries", "error_kind", string(core.KindOf(err)))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			ec.Err = core.NewGatewayError(core.KindOf(ctx.Err()), "engine.run", ctx.Err())
			o.finish(ctx, ec, start)
			return
		}

		// Re-route so opened breakers and drained quotas are filtered
		ec.Transition(core.StatusRunning, core.PhaseRoute)
		if rerr := o.pipeline.RunPhase(ctx, core.PhaseRoute, ec, o.engine); rerr != nil {
			ec.Err = rerr
			break
		}
	}

	if ec.Err == nil {
		ec.Transition(core.StatusRunning, core.PhasePostProcessing)
		if err := o.pipeline.RunPhase(ctx, core.PhasePostProcessing, ec, o.engine); err != nil {
			// POST errors taint metadata but never discard the payload
			ec.AddMetadata("post_processing_error", err.Error())
			o.logger.Warn("Post-processing failed", map[string]interface{}{
				"operation":  "post_processing_error",
				"request_id": ec.Request.ID,
				"error":      err.Error(),
			})
		}
	}

	o.finish(ctx, ec, start)
}

// finish runs CLEANUP and records the terminal status
func (o *Orchestrator) finish(ctx context.Context, ec *pipeline.ExecutionContext, start time.Time) {
	ec.Transition(core.StatusRunning, core.PhaseCleanup)

	// CLEANUP runs on a detached context so a blown deadline cannot
	// skip resource release
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = o.pipeline.RunPhase(cleanupCtx, core.PhaseCleanup, ec, o.engine)

	status := core.StatusSucceeded
	switch {
	case ec.Err == nil:
	case core.KindOf(ec.Err) == core.KindCancelled:
		status = core.StatusCancelled
	default:
		status = core.StatusFailed
	}
	ec.Transition(status, core.PhaseCleanup)

	elapsed := o.clock().Sub(start)
	telemetry.Histogram("engine.request.duration_ms",
		float64(elapsed.Milliseconds()), "status", string(status))

	fields := map[string]interface{}{
		"operation":   "request_finished",
		"request_id":  ec.Request.ID,
		"tenant_id":   ec.Request.TenantID,
		"status":      string(status),
		"attempts":    ec.Token().Attempt,
		"duration_ms": elapsed.Milliseconds(),
	}
	if ec.Err != nil {
		fields["error_kind"] = string(core.KindOf(ec.Err))
		o.logger.Warn("Request failed", fields)
		return
	}
	o.logger.Info("Request finished", fields)
}

// admit reserves the request id for the dedupe window
func (o *Orchestrator) admit(req *core.Request) error {
	now := o.clock()

	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()

	for id, expiry := range o.inflight {
		if !expiry.IsZero() && now.After(expiry) {
			delete(o.inflight, id)
		}
	}

	if _, exists := o.inflight[req.ID]; exists {
		telemetry.Counter("engine.duplicate_rejected", "tenant_id", req.TenantID)
		ge := core.NewGatewayError(core.KindInvalidArgument, "engine.admit", core.ErrDuplicateRequest)
		ge.RequestID = req.ID
		return ge
	}
	o.inflight[req.ID] = time.Time{}
	return nil
}

// settle starts the post-completion dedupe window for the id
func (o *Orchestrator) settle(requestID string) {
	o.inflightMu.Lock()
	o.inflight[requestID] = o.clock().Add(o.cfg.Server.InflightWindow)
	o.inflightMu.Unlock()
}

// deadlineContext derives the execution context: the caller deadline
// capped at MaxDeadline, or DefaultDeadline when none is set
func (o *Orchestrator) deadlineContext(ctx context.Context, req *core.Request) (context.Context, context.CancelFunc) {
	now := o.clock()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(o.cfg.Server.DefaultDeadline)
	}
	if max := now.Add(o.cfg.Server.MaxDeadline); deadline.After(max) {
		deadline = max
	}
	return context.WithDeadline(ctx, deadline)
}
