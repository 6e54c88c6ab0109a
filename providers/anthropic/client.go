// Package anthropic implements the Anthropic messages API provider.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Client is the Anthropic provider
type Client struct {
	*providers.BaseClient

	id      string
	apiKey  string
	baseURL string
	caps    provider.Capabilities
	profile provider.Profile
}

// NewClient creates an uninitialized Anthropic client
func NewClient(id string, logger core.Logger) *Client {
	if id == "" {
		id = "anthropic"
	}
	return &Client{
		BaseClient: providers.NewBaseClient(60*time.Second, logger),
		id:         id,
		baseURL:    defaultBaseURL,
		caps: provider.Capabilities{
			Streaming:        true,
			ToolCalling:      true,
			Multimodal:       true,
			MaxContextTokens: 200000,
			ModelPrefixes:    []string{"claude-"},
		},
		profile: provider.Profile{
			Performance:  0.92,
			CostPerToken: 0.000015,
			LatencyMs:    900,
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

// Initialize reads api_key (required) and base_url from settings
func (c *Client) Initialize(ctx context.Context, settings map[string]interface{}) error {
	key, err := providers.RequireSetting(settings, "api_key")
	if err != nil {
		return err
	}
	c.apiKey = key
	c.baseURL = strings.TrimSuffix(
		providers.StringSetting(settings, "base_url", c.baseURL), "/")

	c.Logger.Info("Anthropic provider initialized", map[string]interface{}{
		"operation": "provider_init",
		"provider":  c.id,
		"base_url":  c.baseURL,
	})
	return nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
	Stop        []string  `json:"stop_sequences,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// buildRequest converts the conversation. Anthropic takes the system
// prompt as a top-level field, not a message role. Sampling arrives
// normalized from the pipeline; a zero temperature is valid greedy
// decoding and goes on the wire unchanged.
func (c *Client) buildRequest(req *core.Request, sampling core.SamplingConfig, streaming bool) messagesRequest {
	var system string
	msgs := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem {
			system = m.Content
			continue
		}
		msgs = append(msgs, message{Role: string(m.Role), Content: m.Content})
	}

	return messagesRequest{
		Model:       req.ModelID,
		System:      system,
		Messages:    msgs,
		MaxTokens:   sampling.MaxTokens,
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
		TopK:        sampling.TopK,
		Stop:        sampling.StopTokens,
		Stream:      streaming,
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": apiVersion,
	}
}

// Infer performs one messages call
func (c *Client) Infer(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error) {
	c.LogRequest(c.id, req.ModelID, req, false)
	start := time.Now()

	var out messagesResponse
	err := c.PostJSON(ctx, c.baseURL+"/messages", c.headers(),
		c.buildRequest(req, sampling, false), &out, c.id)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	tokens := out.Usage.InputTokens + out.Usage.OutputTokens

	elapsed := time.Since(start)
	c.LogResponse(c.id, out.Model, tokens, elapsed)

	return &core.Response{
		RequestID:  req.ID,
		Model:      out.Model,
		Content:    content.String(),
		TokensUsed: tokens,
		DurationMs: elapsed.Milliseconds(),
		Metadata: map[string]interface{}{
			"provider":    c.id,
			"stop_reason": out.StopReason,
		},
	}, nil
}

// InferStream forwards content_block_delta events through the emitter
func (c *Client) InferStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error {
	c.LogRequest(c.id, req.ModelID, req, true)

	resp, err := c.Post(ctx, c.baseURL+"/messages", c.headers(),
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

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				if err := em.Emit(ctx, ev.Delta.Text); err != nil {
					return err
				}
			}
		case "message_stop":
			return em.Finish(ctx)
		case "error":
			ge := core.Errorf(core.KindProviderTransient, c.id+".stream",
				"upstream stream error event")
			em.Fail(ge)
			return ge
		}
	}

	if err := scanner.Err(); err != nil {
		ge := core.NewGatewayError(core.KindProviderTransient, c.id+".stream", err)
		em.Fail(ge)
		return ge
	}
	return em.Finish(ctx)
}

// Health probes the models endpoint
func (c *Client) Health(ctx context.Context) core.HealthStatus {
	return c.HealthCheck(ctx, c.baseURL+"/models", c.headers())
}

func (c *Client) Shutdown(ctx context.Context) error {
	c.HTTPClient.CloseIdleConnections()
	return nil
}
