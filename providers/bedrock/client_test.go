package bedrock

import (
	"testing"

	"github.com/convergelabs/modelgate/core"
)

func TestBuildInputForwardsZeroTemperature(t *testing.T) {
	c := NewClient("bedrock", nil)
	req := &core.Request{
		ID:       "req-1",
		TenantID: "acme",
		ModelID:  "anthropic.claude-3-haiku",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hello"}},
	}
	sampling := core.SamplingConfig{Temperature: 0, TopP: 0.95, MaxTokens: 64}

	input := c.buildInput(req, sampling)
	if input.InferenceConfig == nil {
		t.Fatal("inference config not set")
	}
	if input.InferenceConfig.Temperature == nil || *input.InferenceConfig.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0 (greedy)", input.InferenceConfig.Temperature)
	}
	if input.InferenceConfig.MaxTokens == nil || *input.InferenceConfig.MaxTokens != 64 {
		t.Errorf("max_tokens = %v, want 64", input.InferenceConfig.MaxTokens)
	}
}

func TestBuildInputHoistsSystemMessages(t *testing.T) {
	c := NewClient("bedrock", nil)
	req := &core.Request{
		ID:      "req-1",
		ModelID: "amazon.nova-lite",
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: "be terse"},
			{Role: core.RoleUser, Content: "hello"},
		},
	}

	input := c.buildInput(req, core.SamplingConfig{MaxTokens: 64})
	if len(input.System) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(input.System))
	}
	if len(input.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(input.Messages))
	}
}
