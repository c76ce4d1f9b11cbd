package types

import (
	"maps"
	"slices"
)

// Message roles understood by workers. The view role never reaches a model.
const (
	RoleSystem = "system"
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleView   = "view"
)

// Finish reasons reported on the last ModelOutput of a generation.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// ModelMessage is a single message sent to a model.
type ModelMessage struct {
	// One of system, human, ai.
	// example: human
	Role string `json:"role" example:"human"`
	// Message text.
	// example: Write a haiku about the ocean.
	Content string `json:"content" example:"Write a haiku about the ocean."`
	// Round the message belongs to (1-based) when it comes from a conversation.
	// example: 1
	RoundIndex int `json:"round_index,omitempty" example:"1"`
}

// ModelRequest is the payload accepted by every worker generate operation.
type ModelRequest struct {
	// Target model name.
	// example: qwen2.5-7b-instruct
	Model string `json:"model" example:"qwen2.5-7b-instruct"`
	// Ordered messages; the last human message is the prompt.
	Messages []ModelMessage `json:"messages"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP *float64 `json:"top_p,omitempty" example:"0.9"`
	// Maximum number of new tokens to generate.
	// example: 1024
	MaxNewTokens *int `json:"max_new_tokens,omitempty" example:"1024"`
	// Optional stop sequences.
	Stop []string `json:"stop,omitempty"`
	// Optional stop token ids.
	StopTokenIDs []int `json:"stop_token_ids,omitempty"`
	// Context window override for this request.
	ContextLen *int `json:"context_len,omitempty"`
	// Echo the prompt in the output text.
	Echo *bool `json:"echo,omitempty"`
	// Parent span id (trace_id:span_id) used to attach worker spans.
	SpanID string `json:"span_id,omitempty"`
	// Allow the client to answer from its response cache.
	CacheEnable bool `json:"cache_enable,omitempty"`
}

// CountTokenRequest is the body of POST /api/worker/count_token.
type CountTokenRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

// ModelMetadataRequest is the body of POST /api/worker/model_metadata.
type ModelMetadataRequest struct {
	Model string `json:"model"`
}

// EmbeddingsRequest is the body of POST /api/worker/embeddings.
type EmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ModelMetadata describes a loaded model.
type ModelMetadata struct {
	// example: qwen2.5-7b-instruct
	Model string `json:"model" example:"qwen2.5-7b-instruct"`
	// example: 8192
	ContextLength int `json:"context_length" example:"8192"`
	// Roles in prompt order, e.g. ["system","human","ai"].
	PromptRoles []string `json:"prompt_roles"`
	// Separator placed between messages in the native template.
	PromptSep string `json:"prompt_sep"`
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelOutput is one frame of worker output. Text is always cumulative.
type ModelOutput struct {
	// Cumulative answer text.
	Text string `json:"text"`
	// Cumulative reasoning text for reasoning models.
	Thinking string `json:"thinking,omitempty"`
	// 0 on success, 1 on failure (Text then holds the message).
	ErrorCode int `json:"error_code"`
	// Token usage when the backend reports it.
	Usage *Usage `json:"usage,omitempty"`
	// stop, length or empty while streaming.
	FinishReason string `json:"finish_reason,omitempty"`
	// Inference metrics at the time this frame was produced.
	Metrics *InferenceMetrics `json:"metrics,omitempty"`
	// Adapter-provided context (prompt echo length, reasoning flag, ...).
	ModelContext map[string]any `json:"model_context,omitempty"`
	// Text appended since the previous frame. Not sent over the wire.
	Incremental string `json:"-"`
}

// Success reports whether the output carries no error.
func (o *ModelOutput) Success() bool { return o != nil && o.ErrorCode == 0 }

// Clone returns a copy that shares no pointers, slices or maps with o.
// ModelContext values are copied shallowly.
func (o *ModelOutput) Clone() *ModelOutput {
	if o == nil {
		return nil
	}
	c := *o
	if o.Usage != nil {
		u := *o.Usage
		c.Usage = &u
	}
	if o.Metrics != nil {
		c.Metrics = o.Metrics.Clone()
	}
	c.ModelContext = maps.Clone(o.ModelContext)
	return &c
}

// Clone returns a deep copy of m.
func (m *InferenceMetrics) Clone() *InferenceMetrics {
	if m == nil {
		return nil
	}
	c := *m
	c.FirstCompletionTimeMs = clonePtr(m.FirstCompletionTimeMs)
	c.FirstTokenTimeMs = clonePtr(m.FirstTokenTimeMs)
	c.FirstCompletionTokens = clonePtr(m.FirstCompletionTokens)
	c.CurrentGPUInfos = slices.Clone(m.CurrentGPUInfos)
	c.AvgGPUInfos = slices.Clone(m.AvgGPUInfos)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ErrorOutput builds a terminal failure frame.
func ErrorOutput(text string) *ModelOutput {
	return &ModelOutput{Text: text, ErrorCode: 1}
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
