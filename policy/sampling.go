package policy

import (
	"context"

	"github.com/convergelabs/modelgate/config"
	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
)

// Sampling defaults applied when the request leaves a parameter unset
const (
	defaultTemperature       = 0.7
	defaultTopK              = 40
	defaultTopP              = 0.95
	defaultRepetitionPenalty = 1.1
	defaultMaxTokens         = 2048
)

// SamplingPlugin normalizes request parameters into a SamplingConfig
// during PRE_PROCESSING: defaults fill unset values, bounds reject
// out-of-range ones. Normalizing an already-normalized config is a
// no-op.
type SamplingPlugin struct {
	base
	cfg config.SamplingConfig
}

// NewSamplingPlugin creates the PRE_PROCESSING-phase normalizer
func NewSamplingPlugin(cfg config.SamplingConfig) *SamplingPlugin {
	return &SamplingPlugin{
		base: base{id: "sampling.normalize", phase: core.PhasePreProcessing, order: 10},
		cfg:  cfg,
	}
}

func (p *SamplingPlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	sampling, err := Normalize(ec.Request.Parameters, p.cfg)
	if err != nil {
		if ge, ok := err.(*core.GatewayError); ok {
			ge.RequestID = ec.Request.ID
		}
		return err
	}
	ec.Sampling = sampling
	return nil
}

// Normalize derives a bounded SamplingConfig from raw request
// parameters. Exported for direct use by the job and batch paths.
func Normalize(params map[string]interface{}, bounds config.SamplingConfig) (core.SamplingConfig, error) {
	out := core.SamplingConfig{
		Temperature:       floatParam(params, "temperature", defaultTemperature),
		TopK:              intParam(params, "top_k", defaultTopK),
		TopP:              floatParam(params, "top_p", defaultTopP),
		RepetitionPenalty: floatParam(params, "repetition_penalty", defaultRepetitionPenalty),
		PresencePenalty:   floatParam(params, "presence_penalty", 0),
		MaxTokens:         intParam(params, "max_tokens", defaultMaxTokens),
		GrammarMode:       stringParam(params, "grammar_mode", ""),
	}
	if stops, ok := params["stop_tokens"].([]interface{}); ok {
		for _, s := range stops {
			if str, ok := s.(string); ok {
				out.StopTokens = append(out.StopTokens, str)
			}
		}
	} else if stops, ok := params["stop_tokens"].([]string); ok {
		out.StopTokens = stops
	}

	maxTemp := bounds.MaxTemperature
	if maxTemp <= 0 {
		maxTemp = 2.0
	}
	tokensCap := bounds.MaxTokensCap
	if tokensCap <= 0 {
		tokensCap = 8192
	}

	switch {
	case out.Temperature < 0 || out.Temperature > maxTemp:
		return out, core.Errorf(core.KindInvalidArgument, "sampling",
			"temperature %.2f outside [0, %.2f]", out.Temperature, maxTemp)
	case out.TopP < 0 || out.TopP > 1:
		return out, core.Errorf(core.KindInvalidArgument, "sampling",
			"top_p %.2f outside [0, 1]", out.TopP)
	case out.TopK < 0:
		return out, core.Errorf(core.KindInvalidArgument, "sampling",
			"top_k must be non-negative")
	case out.MaxTokens <= 0 || out.MaxTokens > tokensCap:
		return out, core.Errorf(core.KindInvalidArgument, "sampling",
			"max_tokens %d outside (0, %d]", out.MaxTokens, tokensCap)
	case out.GrammarMode != "" && out.GrammarMode != "json":
		return out, core.Errorf(core.KindInvalidArgument, "sampling",
			"unsupported grammar mode %q", out.GrammarMode)
	}
	return out, nil
}

func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		}
	}
	return fallback
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return fallback
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}
