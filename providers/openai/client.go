// Package openai implements the OpenAI-compatible chat completions
// provider. Pointing BaseURL at a compatible server (groq, deepseek,
// ollama, vllm) reuses the same client.
package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/providers"
	"github.com/convergelabs/modelgate/stream"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client is the OpenAI-compatible provider
type Client struct {
	*providers.BaseClient

	id      string
	apiKey  string
	baseURL string
	caps    provider.Capabilities
	profile provider.Profile
}

// NewClient creates an uninitialized OpenAI-compatible client
func NewClient(id string, logger core.Logger) *Client {
	if id == "" {
		id = "openai"
	}
	return &Client{
		BaseClient: providers.NewBaseClient(60*time.Second, logger),
		id:         id,
		baseURL:    defaultBaseURL,
		caps: provider.Capabilities{
			Streaming:        true,
			ToolCalling:      true,
			Multimodal:       true,
			MaxContextTokens: 128000,
			ModelPrefixes:    []string{"gpt-", "o1", "o3", "chatgpt-"},
		},
		profile: provider.Profile{
			Performance:  0.9,
			CostPerToken: 0.00001,
			LatencyMs:    800,
			Reliability:  0.95,
		},
	}
}

func (c *Client) ID() string                          { return c.id }
func (c *Client) Capabilities() provider.Capabilities { return c.caps }
func (c *Client) Profile() provider.Profile           { return c.profile }

func (c *Client) Supports(modelID string) bool {
	return provider.MatchesModel(c.caps, modelID)
}

// Initialize reads api_key (required) and base_url plus profile
// overrides from the settings map
func (c *Client) Initialize(ctx context.Context, settings map[string]interface{}) error {
	key, err := providers.RequireSetting(settings, "api_key")
	if err != nil {
		return err
	}
	c.apiKey = key
	c.baseURL = strings.TrimSuffix(
		providers.StringSetting(settings, "base_url", c.baseURL), "/")

	if v, ok := settings["models"].([]interface{}); ok {
		for _, m := range v {
			if s, ok := m.(string); ok {
				c.caps.Models = append(c.caps.Models, s)
			}
		}
	}

	c.Logger.Info("OpenAI-compatible provider initialized", map[string]interface{}{
		"operation": "provider_init",
		"provider":  c.id,
		"base_url":  c.baseURL,
	})
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	ResponseFmt *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// buildRequest maps the conversation onto the wire shape. Sampling
// arrives normalized from the pipeline and is forwarded as-is; a zero
// temperature means greedy decoding, not unset.
func (c *Client) buildRequest(req *core.Request, sampling core.SamplingConfig, streaming bool) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	out := chatRequest{
		Model:       req.ModelID,
		Messages:    msgs,
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
		MaxTokens:   sampling.MaxTokens,
		Stop:        sampling.StopTokens,
		Stream:      streaming,
	}
	if sampling.GrammarMode == "json" {
		out.ResponseFmt = &respFormat{Type: "json_object"}
	}
	return out
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Infer performs one chat completion
func (c *Client) Infer(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error) {
	c.LogRequest(c.id, req.ModelID, req, false)
	start := time.Now()

	var out chatResponse
	err := c.PostJSON(ctx, c.baseURL+"/chat/completions", c.headers(),
		c.buildRequest(req, sampling, false), &out, c.id)
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, core.Errorf(core.KindProviderTransient, c.id+".Infer",
			"upstream returned no choices")
	}

	elapsed := time.Since(start)
	c.LogResponse(c.id, out.Model, out.Usage.TotalTokens, elapsed)

	return &core.Response{
		RequestID:  req.ID,
		Model:      out.Model,
		Content:    out.Choices[0].Message.Content,
		TokensUsed: out.Usage.TotalTokens,
		DurationMs: elapsed.Milliseconds(),
		Metadata: map[string]interface{}{
			"provider":      c.id,
			"finish_reason": out.Choices[0].FinishReason,
		},
	}, nil
}

// InferStream performs one streaming chat completion, forwarding SSE
// deltas through the emitter
func (c *Client) InferStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error {
	c.LogRequest(c.id, req.ModelID, req, true)

	resp, err := c.Post(ctx, c.baseURL+"/chat/completions", c.headers(),
		c.buildRequest(req, sampling, true), c.id)
	if err != nil {
		em.Fail(err)
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return em.Finish(ctx)
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // malformed keep-alive or comment frame
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := em.Emit(ctx, delta); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		ge := core.NewGatewayError(core.KindProviderTransient, c.id+".stream", err)
		em.Fail(ge)
		return ge
	}
	// Stream ended without [DONE]; treat as normal completion
	return em.Finish(ctx)
}

// Health lists models as a cheap authenticated liveness probe
func (c *Client) Health(ctx context.Context) core.HealthStatus {
	return c.HealthCheck(ctx, c.baseURL+"/models", c.headers())
}

func (c *Client) Shutdown(ctx context.Context) error {
	c.HTTPClient.CloseIdleConnections()
	return nil
}
