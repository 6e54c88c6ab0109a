package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/convergelabs/modelgate/core"
)

func sampleRequest() *core.Request {
	return &core.Request{
		ID:       "req-1",
		TenantID: "acme",
		ModelID:  "gpt-4o",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hello"}},
	}
}

func TestBuildRequestPreservesZeroTemperature(t *testing.T) {
	c := NewClient("openai", nil)
	sampling := core.SamplingConfig{Temperature: 0, TopP: 0.95, MaxTokens: 64}

	out := c.buildRequest(sampleRequest(), sampling, false)
	if out.Temperature != 0 {
		t.Errorf("temperature = %v, want 0 (greedy)", out.Temperature)
	}

	body, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `"temperature":0`) {
		t.Errorf("zero temperature missing from wire payload: %s", body)
	}
}

func TestBuildRequestForwardsSamplingUnchanged(t *testing.T) {
	c := NewClient("openai", nil)
	sampling := core.SamplingConfig{
		Temperature: 1.3,
		TopP:        0.5,
		MaxTokens:   128,
		StopTokens:  []string{"END"},
		GrammarMode: "json",
	}

	out := c.buildRequest(sampleRequest(), sampling, true)
	if out.Temperature != 1.3 || out.TopP != 0.5 || out.MaxTokens != 128 {
		t.Errorf("sampling rewritten: %+v", out)
	}
	if !out.Stream {
		t.Error("stream flag not set")
	}
	if out.ResponseFmt == nil || out.ResponseFmt.Type != "json_object" {
		t.Errorf("grammar mode not mapped: %+v", out.ResponseFmt)
	}
}
