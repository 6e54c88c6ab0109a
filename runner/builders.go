package runner

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/models"
	"github.com/convergelabs/modelgate/stream"
)

// localRunner is the in-process runner used by the simulated gguf and
// onnx builders and by the mock builder in tests. It produces
// deterministic echo-style output so routing, pooling and streaming
// behavior can be exercised without model weights.
type localRunner struct {
	key      Key
	manifest models.Manifest
	device   string
	state    atomic.Value // State
	latency  time.Duration
}

func newLocalRunner(key Key, manifest models.Manifest, device string, latency time.Duration) *localRunner {
	r := &localRunner{
		key:      key,
		manifest: manifest,
		device:   device,
		latency:  latency,
	}
	r.state.Store(StateReady)
	return r
}

func (r *localRunner) Key() Key { return r.key }

func (r *localRunner) State() State {
	return r.state.Load().(State)
}

func (r *localRunner) Generate(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error) {
	if r.State() == StateClosed {
		return nil, core.NewGatewayError(core.KindInternal, "runner.Generate", core.ErrRunnerClosed)
	}
	r.state.Store(StateBusy)
	defer r.state.Store(StateReady)

	start := time.Now()
	content, tokens := r.complete(req, sampling)
	if r.latency > 0 {
		select {
		case <-time.After(r.latency):
		case <-ctx.Done():
			return nil, core.NewGatewayError(core.KindOf(ctx.Err()), "runner.Generate", ctx.Err())
		}
	}

	return &core.Response{
		RequestID:  req.ID,
		Model:      r.key.ModelID,
		Content:    content,
		TokensUsed: tokens,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata: map[string]interface{}{
			"runner": r.key.RunnerName,
			"device": r.device,
			"format": r.manifest.Format,
		},
	}, nil
}

func (r *localRunner) GenerateStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error {
	if r.State() == StateClosed {
		err := core.NewGatewayError(core.KindInternal, "runner.GenerateStream", core.ErrRunnerClosed)
		em.Fail(err)
		return err
	}
	r.state.Store(StateBusy)
	defer r.state.Store(StateReady)

	content, _ := r.complete(req, sampling)
	for _, word := range strings.SplitAfter(content, " ") {
		if err := em.Emit(ctx, word); err != nil {
			// Cancelled or deadline; no final chunk on this path
			return err
		}
	}
	return em.Finish(ctx)
}

// complete builds the deterministic completion and its token estimate
func (r *localRunner) complete(req *core.Request, sampling core.SamplingConfig) (string, int) {
	prompt := req.LastUserMessage()
	content := fmt.Sprintf("[%s] %s", r.key.ModelID, prompt)
	tokens := len(content) / 4
	if tokens < 1 {
		tokens = 1
	}
	if sampling.MaxTokens > 0 && tokens > sampling.MaxTokens {
		tokens = sampling.MaxTokens
	}
	return content, tokens
}

func (r *localRunner) Close() error {
	r.state.Store(StateClosed)
	return nil
}

// SimulatedBuilder returns a builder that validates the manifest against
// the expected weight format and supported devices, then yields a local
// runner. loadDelay models the expensive load so pool coalescing and
// prewarm behavior are observable.
func SimulatedBuilder(name, format string, devices []string, loadDelay time.Duration) Builder {
	return func(ctx context.Context, manifest models.Manifest, device string) (Runner, error) {
		if manifest.Format != format {
			return nil, core.Errorf(core.KindInvalidArgument, "runner.Build",
				"runner %q loads %s weights, manifest %s has format %q",
				name, format, manifest.ModelID, manifest.Format)
		}
		if manifest.StorageURI == "" {
			return nil, core.Errorf(core.KindInvalidArgument, "runner.Build",
				"manifest %s has no storage uri", manifest.ModelID)
		}
		if len(devices) > 0 && !contains(devices, device) {
			return nil, core.Errorf(core.KindInvalidArgument, "runner.Build",
				"runner %q does not support device %q", name, device)
		}
		if loadDelay > 0 {
			select {
			case <-time.After(loadDelay):
			case <-ctx.Done():
				return nil, core.NewGatewayError(core.KindOf(ctx.Err()), "runner.Build", ctx.Err())
			}
		}
		key := Key{ModelID: manifest.ModelID, Version: manifest.Version, RunnerName: name}
		return newLocalRunner(key, manifest, device, 0), nil
	}
}

// MockBuilder returns a builder with no validation or load delay.
// Used by tests and by the dev provider configuration.
func MockBuilder(name string) Builder {
	return func(ctx context.Context, manifest models.Manifest, device string) (Runner, error) {
		key := Key{ModelID: manifest.ModelID, Version: manifest.Version, RunnerName: name}
		return newLocalRunner(key, manifest, device, 0), nil
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
