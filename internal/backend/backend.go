// Package backend holds the model runtimes a local worker drives: in-process llama.cpp,
// a spawned llama-server per model, and an OpenAI-compatible HTTP proxy.
package backend

import (
	"context"

	"modelworker/internal/message"
	"modelworker/internal/params"
	"modelworker/pkg/types"
)

// Loader loads a model described by deploy parameters.
type Loader interface {
	Load(ctx context.Context, d params.Deploy) (Model, error)
}

// Model is a loaded model. Generate streams token deltas to onToken and must return
// promptly once ctx is canceled or onToken returns an error.
type Model interface {
	Generate(ctx context.Context, p Params, onToken func(string) error) (Final, error)
	// Tokenizer returns nil when the runtime has no way to count tokens.
	Tokenizer() Tokenizer
	Close() error
}

// Completer is implemented by runtimes with a native non-streaming call.
type Completer interface {
	Complete(ctx context.Context, p Params) (Final, error)
}

// ContextSizer is implemented by runtimes that know their maximum context length.
type ContextSizer interface {
	MaxContextLength() int
}

// CacheClearer releases cached runtime memory after a failed load or generation.
type CacheClearer interface {
	ClearCache()
}

// Tokenizer counts prompt tokens.
type Tokenizer interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// Params are generation parameters after model adaptation. Prompt is set for
// completion-style runtimes, Messages for chat-style ones; both may be set.
type Params struct {
	Prompt        string
	Messages      []message.CommonMessage
	Temperature   float64
	TopP          float64
	TopK          int
	MaxTokens     int
	Stop          []string
	StopTokenIDs  []int
	Seed          int
	RepeatPenalty float64
}

// Final summarizes a finished generation.
type Final struct {
	Content      string
	Usage        types.Usage
	FinishReason string
}

// Loaders maps a deploy provider to its loader.
type Loaders map[string]Loader

// Lookup returns the loader for provider.
func (l Loaders) Lookup(provider string) (Loader, error) {
	ld, ok := l[provider]
	if !ok || ld == nil {
		return nil, ErrDependencyUnavailable("no runtime for provider " + provider)
	}
	return ld, nil
}
