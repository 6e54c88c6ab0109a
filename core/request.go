package core

import (
	"time"
)

// Role identifies the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one element of the request conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Tool-call bookkeeping, populated for role=tool and for assistant
	// messages that requested a tool invocation
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolDefinition describes a tool the model may call
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Request is an admitted inference request. After PRE_PROCESSING the
// record is frozen; per-request scratch state lives in the execution
// context instead.
type Request struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	ModelID    string                 `json:"model_id"`
	Messages   []Message              `json:"messages"`
	Tools      []ToolDefinition       `json:"tools,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Streaming  bool                   `json:"streaming"`
	Priority   int                    `json:"priority"`
	Deadline   time.Time              `json:"deadline"`
}

// LastUserMessage returns the content of the most recent user message,
// or empty if the conversation has none.
func (r *Request) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// TenantContext is the resolved identity a request runs under.
// A single immutable record; no ambient tenant state exists anywhere.
type TenantContext struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`

	// ProviderPreference multiplies router scores per provider id.
	// Missing entries default to 1.0.
	ProviderPreference map[string]float64 `json:"provider_preference,omitempty"`
}

// SamplingConfig holds normalized generation parameters, derived during
// PRE_PROCESSING from Request.Parameters with defaults applied.
type SamplingConfig struct {
	Temperature       float64  `json:"temperature"`
	TopK              int      `json:"top_k"`
	TopP              float64  `json:"top_p"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	PresencePenalty   float64  `json:"presence_penalty"`
	MaxTokens         int      `json:"max_tokens"`
	StopTokens        []string `json:"stop_tokens,omitempty"`
	GrammarMode       string   `json:"grammar_mode,omitempty"` // "" or "json"
}

// Response is the terminal value of a non-streaming inference call
type Response struct {
	RequestID  string                 `json:"request_id"`
	Model      string                 `json:"model"`
	Content    string                 `json:"content"`
	TokensUsed int                    `json:"tokens_used"`
	DurationMs int64                  `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// StreamChunk is one element of an incremental output sequence.
// Sequence numbers are dense from 0 per request; exactly one chunk of a
// normally-terminated stream carries Final=true and it is the last.
type StreamChunk struct {
	RequestID string `json:"request_id"`
	Sequence  int    `json:"sequence"`
	Delta     string `json:"delta"`
	Final     bool   `json:"final"`
}
