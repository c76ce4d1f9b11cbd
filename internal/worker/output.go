package worker

import (
	"context"
	"strings"
	"time"

	"modelworker/internal/adapter"
	"modelworker/internal/backend"
	"modelworker/internal/metrics"
	"modelworker/pkg/types"
)

// outputBuilder turns runtime deltas into cumulative ModelOutputs with fresh metrics.
type outputBuilder struct {
	now     func() time.Time
	sampler metrics.Sampler

	prompt         string
	mctx           map[string]any
	reasoning      bool
	thinkingOpened bool
	echo           bool
	promptTokens   int

	raw        strings.Builder
	completion int
	prevText   string
	metrics    *types.InferenceMetrics
	last       *types.ModelOutput
}

func (w *LocalWorker) newBuilder(l loaded, req types.ModelRequest) *outputBuilder {
	return &outputBuilder{
		now:     w.cfg.Now,
		sampler: l.sampler,
		metrics: metrics.New(w.cfg.Now()),
		echo:    req.Echo != nil && *req.Echo,
	}
}

func (b *outputBuilder) setContext(prompt string, mctx map[string]any) {
	b.prompt = prompt
	b.mctx = mctx
	b.reasoning, _ = mctx[adapter.CtxReasoningModel].(bool)
	b.thinkingOpened, _ = mctx[adapter.CtxThinkingOpened].(bool)
	b.promptTokens, _ = mctx[adapter.CtxPromptTokens].(int)
}

func (b *outputBuilder) usage() *types.Usage {
	return &types.Usage{
		PromptTokens:     b.promptTokens,
		CompletionTokens: b.completion,
		TotalTokens:      b.promptTokens + b.completion,
	}
}

func (b *outputBuilder) token(ctx context.Context, tok string) *types.ModelOutput {
	b.raw.WriteString(tok)
	b.completion++
	return b.frame(ctx, b.raw.String(), b.usage(), "", 0)
}

func (b *outputBuilder) finish(ctx context.Context, final backend.Final) *types.ModelOutput {
	raw := final.Content
	if raw == "" {
		raw = b.raw.String()
	}
	u := b.usage()
	if final.Usage.CompletionTokens > 0 || final.Usage.TotalTokens > 0 {
		u = &types.Usage{
			PromptTokens:     final.Usage.PromptTokens,
			CompletionTokens: final.Usage.CompletionTokens,
			TotalTokens:      final.Usage.TotalTokens,
		}
		if u.PromptTokens == 0 {
			u.PromptTokens = b.promptTokens
		}
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
	}
	reason := final.FinishReason
	if reason == "" {
		reason = types.FinishStop
	}
	return b.frame(ctx, raw, u, reason, 0)
}

func (b *outputBuilder) failure(ctx context.Context, text string) *types.ModelOutput {
	out := b.frame(ctx, "", nil, "", 1)
	out.Text = text
	out.Thinking = ""
	out.Incremental = ""
	return out
}

func (b *outputBuilder) frame(ctx context.Context, raw string, u *types.Usage, finish string, code int) *types.ModelOutput {
	text, thinking := raw, ""
	if b.reasoning {
		if b.thinkingOpened {
			thinking, text = adapter.SplitThinkingOpen(raw)
		} else {
			thinking, text = adapter.SplitThinking(raw)
		}
	}
	if b.echo && code == 0 {
		text = b.prompt + text
	}
	var gpus []types.GPUInfo
	if b.sampler != nil {
		// transient sampler failures just skip the device sample
		gpus, _ = b.sampler.Sample(ctx)
	}
	b.metrics = metrics.Collect(b.metrics, b.last == nil, u, gpus, b.now())
	out := &types.ModelOutput{
		Text:         text,
		Thinking:     thinking,
		ErrorCode:    code,
		Usage:        u,
		FinishReason: finish,
		Metrics:      b.metrics,
		ModelContext: b.mctx,
		Incremental:  incremental(b.prevText, text),
	}
	b.prevText = text
	b.last = out
	return out
}
