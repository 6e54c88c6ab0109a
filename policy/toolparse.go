package policy

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/pipeline"
)

// ToolCall is one parsed tool invocation extracted from model output
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

var (
	toolTagPattern   = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	reasoningPattern = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)
)

// ToolParsePlugin runs during POST_PROCESSING on non-streaming
// responses: it strips reasoning scaffolding and extracts tool calls
// into response metadata. Parse failures taint metadata but keep the
// payload; POST errors never discard a produced response.
type ToolParsePlugin struct {
	base
}

// NewToolParsePlugin creates the POST_PROCESSING-phase output parser
func NewToolParsePlugin() *ToolParsePlugin {
	return &ToolParsePlugin{base{id: "toolparse.extract", phase: core.PhasePostProcessing, order: 0}}
}

func (p *ToolParsePlugin) ShouldExecute(ec *pipeline.ExecutionContext) bool {
	return ec.Response != nil
}

func (p *ToolParsePlugin) Execute(ctx context.Context, ec *pipeline.ExecutionContext, engine *pipeline.EngineContext) error {
	content := ec.Response.Content

	if stripped := reasoningPattern.ReplaceAllString(content, ""); stripped != content {
		content = strings.TrimSpace(stripped)
		ec.Response.Content = content
		ec.AddMetadata("reasoning_stripped", true)
	}

	if len(ec.Request.Tools) == 0 {
		return nil
	}

	calls, parseErr := ExtractToolCalls(content)
	if parseErr != nil {
		ec.AddMetadata("tool_parse_error", parseErr.Error())
		return nil
	}
	if len(calls) > 0 {
		ec.AddMetadata("tool_calls", calls)
	}
	return nil
}

// ExtractToolCalls parses tool invocations from model output. Two
// shapes are recognized: a bare JSON object with name/arguments, and
// one or more <tool_call> tagged JSON blocks.
func ExtractToolCalls(content string) ([]ToolCall, error) {
	trimmed := strings.TrimSpace(content)

	if strings.HasPrefix(trimmed, "{") {
		var call ToolCall
		if err := json.Unmarshal([]byte(trimmed), &call); err == nil && call.Name != "" {
			return []ToolCall{call}, nil
		}
	}

	matches := toolTagPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	calls := make([]ToolCall, 0, len(matches))
	for _, m := range matches {
		var call ToolCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &call); err != nil {
			return nil, core.Errorf(core.KindInternal, "toolparse",
				"malformed tool call block: %v", err)
		}
		if call.Name == "" {
			return nil, core.Errorf(core.KindInternal, "toolparse",
				"tool call block missing name")
		}
		calls = append(calls, call)
	}
	return calls, nil
}
