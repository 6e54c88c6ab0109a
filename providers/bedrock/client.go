// Package bedrock implements the AWS Bedrock provider over the
// Converse API.
package bedrock

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/provider"
	"github.com/convergelabs/modelgate/providers"
	"github.com/convergelabs/modelgate/stream"
)

// Client is the AWS Bedrock provider
type Client struct {
	id      string
	region  string
	runtime *bedrockruntime.Client
	logger  core.Logger
	caps    provider.Capabilities
	profile provider.Profile
}

// NewClient creates an uninitialized Bedrock client
func NewClient(id string, logger core.Logger) *Client {
	if id == "" {
		id = "bedrock"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Client{
		id:     id,
		logger: logger,
		caps: provider.Capabilities{
			Streaming:        true,
			ToolCalling:      true,
			MaxContextTokens: 200000,
			ModelPrefixes: []string{
				"anthropic.claude-",
				"amazon.titan-",
				"amazon.nova-",
				"meta.llama",
				"mistral.",
			},
		},
		profile: provider.Profile{
			Performance:  0.88,
			CostPerToken: 0.000012,
			LatencyMs:    1100,
			Reliability:  0.97,
		},
	}
}

func (c *Client) ID() string                          { return c.id }
func (c *Client) Capabilities() provider.Capabilities { return c.caps }
func (c *Client) Profile() provider.Profile           { return c.profile }

func (c *Client) Supports(modelID string) bool {
	return provider.MatchesModel(c.caps, modelID)
}

// Initialize builds the AWS SDK client. Static credentials from
// settings take precedence; otherwise the default chain (env,
// instance role) applies.
func (c *Client) Initialize(ctx context.Context, settings map[string]interface{}) error {
	c.region = providers.StringSetting(settings, "region", "us-east-1")

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.region),
	}
	accessKey := providers.StringSetting(settings, "access_key_id", "")
	secretKey := providers.StringSetting(settings, "secret_access_key", "")
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return core.NewGatewayError(core.KindInvalidArgument, c.id+".Initialize", err)
	}
	c.runtime = bedrockruntime.NewFromConfig(cfg)

	c.logger.Info("Bedrock provider initialized", map[string]interface{}{
		"operation": "provider_init",
		"provider":  c.id,
		"region":    c.region,
	})
	return nil
}

// buildInput converts the conversation into Converse API shape.
// System messages move to the top-level system block.
func (c *Client) buildInput(req *core.Request, sampling core.SamplingConfig) *bedrockruntime.ConverseInput {
	var system []types.SystemContentBlock
	var messages []types.Message
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem {
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == core.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.ModelID),
		Messages: messages,
		System:   system,
	}

	// Sampling arrives normalized from the pipeline; zero temperature
	// means greedy decoding and must reach the wire
	inference := &types.InferenceConfiguration{
		Temperature: aws.Float32(float32(sampling.Temperature)),
	}
	if sampling.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(sampling.MaxTokens))
	}
	if sampling.TopP > 0 {
		inference.TopP = aws.Float32(float32(sampling.TopP))
	}
	if len(sampling.StopTokens) > 0 {
		inference.StopSequences = sampling.StopTokens
	}
	input.InferenceConfig = inference
	return input
}

// Infer performs one Converse call
func (c *Client) Infer(ctx context.Context, req *core.Request, sampling core.SamplingConfig) (*core.Response, error) {
	if c.runtime == nil {
		return nil, core.NewGatewayError(core.KindInternal, c.id+".Infer", core.ErrNotInitialized)
	}
	start := time.Now()

	output, err := c.runtime.Converse(ctx, c.buildInput(req, sampling))
	if err != nil {
		return nil, c.classify(err, c.id+".Infer")
	}

	var content strings.Builder
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content.WriteString(text.Value)
			}
		}
	}

	tokens := 0
	if output.Usage != nil && output.Usage.TotalTokens != nil {
		tokens = int(*output.Usage.TotalTokens)
	}

	return &core.Response{
		RequestID:  req.ID,
		Model:      req.ModelID,
		Content:    content.String(),
		TokensUsed: tokens,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata: map[string]interface{}{
			"provider":    c.id,
			"region":      c.region,
			"stop_reason": string(output.StopReason),
		},
	}, nil
}

// InferStream performs one ConverseStream call, forwarding text deltas
// through the emitter
func (c *Client) InferStream(ctx context.Context, req *core.Request, sampling core.SamplingConfig, em *stream.Emitter) error {
	if c.runtime == nil {
		err := core.NewGatewayError(core.KindInternal, c.id+".InferStream", core.ErrNotInitialized)
		em.Fail(err)
		return err
	}

	base := c.buildInput(req, sampling)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         base.ModelId,
		Messages:        base.Messages,
		System:          base.System,
		InferenceConfig: base.InferenceConfig,
	}

	output, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		ge := c.classify(err, c.id+".InferStream")
		em.Fail(ge)
		return ge
	}

	events := output.GetStream()
	defer events.Close()

	for event := range events.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if text, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && text.Value != "" {
				if err := em.Emit(ctx, text.Value); err != nil {
					return err
				}
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			return em.Finish(ctx)
		}
	}

	if err := events.Err(); err != nil {
		ge := c.classify(err, c.id+".InferStream")
		em.Fail(ge)
		return ge
	}
	return em.Finish(ctx)
}

// classify maps SDK failures into the taxonomy by error shape
func (c *Client) classify(err error, op string) error {
	kind := core.KindProviderTransient
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException"):
		kind = core.KindRateLimited
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "UnrecognizedClient"):
		kind = core.KindUnauthenticated
	case strings.Contains(msg, "ValidationException"), strings.Contains(msg, "ResourceNotFound"):
		kind = core.KindProviderPermanent
	}
	ge := core.NewGatewayError(kind, op, err)
	ge.ProviderID = c.id
	return ge
}

// Health reports healthy once the SDK client exists; Bedrock has no
// unauthenticated liveness endpoint
func (c *Client) Health(ctx context.Context) core.HealthStatus {
	if c.runtime == nil {
		return core.HealthUnknown
	}
	return core.HealthHealthy
}

func (c *Client) Shutdown(ctx context.Context) error {
	return nil
}
