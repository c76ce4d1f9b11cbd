// Package adapter encapsulates model-family behavior (chat template, system-role
// support, reasoning output, native generate) behind descriptor values so workers never
// branch on model identity.
package adapter

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"modelworker/internal/backend"
	"modelworker/internal/message"
	"modelworker/internal/params"
	"modelworker/pkg/types"
)

const (
	defaultMaxNewTokens = 1024
	defaultTemperature  = 0.7
)

// Model context keys set by ModelAdaptation.
const (
	CtxPromptEchoLen  = "prompt_echo_len_char"
	CtxEcho           = "echo"
	CtxReasoningModel = "is_reasoning_model"
	CtxThinkingOpened = "thinking_opened"
	CtxPromptTokens   = "prompt_tokens"
	CtxTemplate       = "prompt_template"
)

// StreamFunc streams token deltas for adapted params.
type StreamFunc func(ctx context.Context, p backend.Params, onToken func(string) error) (backend.Final, error)

// GenerateFunc produces one final result for adapted params.
type GenerateFunc func(ctx context.Context, p backend.Params) (backend.Final, error)

// Adapter describes one model family on one provider.
type Adapter struct {
	// Name is the model type identifier.
	Name string
	// ParamClass is the deploy schema this adapter accepts.
	ParamClass string
	// Match reports whether the adapter serves a model name/path. Nil matches everything.
	Match func(name, path string) bool
	// Template is the default chat template. Empty means the runtime takes chat messages.
	Template string
	// Async adapters drive I/O-bound runtimes and skip the worker's kernel executor.
	Async bool
	// Generate adapters call the runtime's native non-streaming path when it has one.
	Generate bool
	// CompatibleFormat relocates the latest user message to the end.
	CompatibleFormat bool
	// Reasoning decides whether output is split into thinking and answer.
	Reasoning func(d params.Deploy, name string) bool
}

// ModelType returns the adapter's identifier.
func (a Adapter) ModelType() string { return a.Name }

// SupportAsync reports whether the runtime is I/O-bound.
func (a Adapter) SupportAsync() bool { return a.Async }

// SupportGenerateFunction reports whether a native generate may be used.
func (a Adapter) SupportGenerateFunction() bool { return a.Generate }

func (a Adapter) template(d params.Deploy) (ChatTemplate, bool) {
	name := a.Template
	if d.PromptTemplate != "" {
		name = d.PromptTemplate
	}
	if name == "" {
		return ChatTemplate{}, false
	}
	return Template(name)
}

// SupportSystemRole reports whether system messages reach the model as such.
func (a Adapter) SupportSystemRole(d params.Deploy) bool {
	t, ok := a.template(d)
	return !ok || t.SupportSystemRole
}

// StreamFunction returns the stream callable for m.
func (a Adapter) StreamFunction(m backend.Model) StreamFunc { return m.Generate }

// GenerateFunction returns the native generate callable, if the adapter and runtime have one.
func (a Adapter) GenerateFunction(m backend.Model) (GenerateFunc, bool) {
	if !a.Generate {
		return nil, false
	}
	c, ok := m.(backend.Completer)
	if !ok {
		return nil, false
	}
	return c.Complete, true
}

// ParseMaxLength returns the runtime's context length, or 0 when unknown.
func (a Adapter) ParseMaxLength(m backend.Model) int {
	if s, ok := m.(backend.ContextSizer); ok {
		return s.MaxContextLength()
	}
	return 0
}

// PromptRoles lists the role names of the chat template.
func (a Adapter) PromptRoles(d params.Deploy) []string {
	if t, ok := a.template(d); ok {
		return append([]string(nil), t.Roles...)
	}
	return []string{message.RoleSystem, message.RoleUser, message.RoleAssistant}
}

// DefaultMessageSeparator returns the template's turn separator.
func (a Adapter) DefaultMessageSeparator(d params.Deploy) string {
	if t, ok := a.template(d); ok {
		return t.Sep
	}
	return "\n"
}

// IsReasoningModel reports whether output should be split into thinking and answer.
// An explicit deploy setting wins over the adapter's own judgement.
func (a Adapter) IsReasoningModel(d params.Deploy, name string) bool {
	if d.ReasoningModel != nil {
		return *d.ReasoningModel
	}
	if a.Reasoning != nil {
		return a.Reasoning(d, name)
	}
	return false
}

// ModelAdaptation converts a request into runtime params plus the model context that
// travels with every output. tok may be nil.
func (a Adapter) ModelAdaptation(ctx context.Context, req types.ModelRequest, d params.Deploy, tok backend.Tokenizer) (backend.Params, map[string]any, error) {
	if len(req.Messages) == 0 {
		return backend.Params{}, nil, fmt.Errorf("request has no messages")
	}
	t, templated := a.template(d)
	if !templated && (a.Template != "" || d.PromptTemplate != "") {
		return backend.Params{}, nil, fmt.Errorf("unknown prompt template %q", d.PromptTemplate)
	}

	msgs := req.Messages
	supportSystem := !templated || t.SupportSystemRole
	if !supportSystem {
		msgs = flattenSystem(msgs)
	}
	common, err := message.ToCommonMessages(msgs, message.CommonOptions{
		SupportSystemRole:         supportSystem,
		ConvertToCompatibleFormat: a.CompatibleFormat || (templated && t.UserTerminated),
	})
	if err != nil {
		return backend.Params{}, nil, err
	}

	p := backend.Params{
		Messages:     common,
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxNewTokens,
		Stop:         append([]string(nil), req.Stop...),
		StopTokenIDs: append([]int(nil), req.StopTokenIDs...),
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	if req.MaxNewTokens != nil && *req.MaxNewTokens > 0 {
		p.MaxTokens = *req.MaxNewTokens
	}

	reasoning := a.IsReasoningModel(d, req.Model)
	mctx := map[string]any{CtxReasoningModel: reasoning}
	if templated {
		prompt, err := t.Render(common)
		if err != nil {
			return backend.Params{}, nil, err
		}
		p.Prompt = prompt
		for _, s := range t.Stop {
			if !slices.Contains(p.Stop, s) {
				p.Stop = append(p.Stop, s)
			}
		}
		mctx[CtxTemplate] = t.Name
		mctx[CtxThinkingOpened] = strings.HasSuffix(strings.TrimSpace(t.Generation), thinkOpen)
	} else {
		p.Prompt = renderPlain(common)
	}
	echo := req.Echo != nil && *req.Echo
	mctx[CtxEcho] = echo
	mctx[CtxPromptEchoLen] = len(p.Prompt)

	if tok != nil {
		n, err := tok.CountTokens(ctx, p.Prompt)
		if err == nil {
			mctx[CtxPromptTokens] = n
			if req.ContextLen != nil && *req.ContextLen > 0 {
				limit := *req.ContextLen
				if n >= limit {
					return backend.Params{}, nil, fmt.Errorf("prompt has %d tokens, context length is %d", n, limit)
				}
				if n+p.MaxTokens > limit {
					p.MaxTokens = limit - n
				}
			}
		}
	}
	return p, mctx, nil
}

// flattenSystem folds system messages into the first human message of the request.
func flattenSystem(msgs []types.ModelMessage) []types.ModelMessage {
	var system []string
	out := make([]types.ModelMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out = append(out, m)
	}
	if len(system) == 0 {
		return out
	}
	prefix := strings.Join(system, "\n")
	for i := range out {
		if out[i].Role == types.RoleHuman {
			out[i].Content = prefix + "\n\n" + out[i].Content
			return out
		}
	}
	return append([]types.ModelMessage{{Role: types.RoleHuman, Content: prefix}}, out...)
}

// renderPlain is the prompt used for token counting by chat-native runtimes.
func renderPlain(msgs []message.CommonMessage) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
