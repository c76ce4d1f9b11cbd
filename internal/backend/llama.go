//go:build llama

package backend

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"modelworker/internal/params"
	"modelworker/pkg/types"
)

// llamaBuilt indicates this binary was compiled with in-process llama support.
const llamaBuilt = true

const defaultLlamaContext = 4096

// LlamaLoader loads GGUF weights in-process through go-llama.cpp.
type LlamaLoader struct {
	Log zerolog.Logger
}

func (l LlamaLoader) Load(_ context.Context, d params.Deploy) (Model, error) {
	if strings.TrimSpace(d.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	nCtx := d.ContextLength
	if nCtx <= 0 {
		nCtx = defaultLlamaContext
	}
	opts := []llama.ModelOption{llama.SetContext(nCtx)}
	if d.GPULayers > 0 {
		opts = append(opts, llama.SetGPULayers(d.GPULayers))
	}
	m, err := llama.New(d.Path, opts...)
	if err != nil {
		return nil, classify(err)
	}
	return &llamaModel{model: m, threads: d.Threads, nCtx: nCtx, log: l.Log.With().Str("model", d.Name).Logger()}, nil
}

// ClearCache returns freed model memory to the OS.
func (LlamaLoader) ClearCache() {
	runtime.GC()
	debug.FreeOSMemory()
}

// llamaModel serializes calls; a go-llama.cpp context is not safe for concurrent use.
type llamaModel struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
	nCtx    int
	log     zerolog.Logger
}

func (s *llamaModel) Generate(ctx context.Context, p Params, onToken func(string) error) (Final, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return Final{}, errors.New("llama model not initialized")
	}
	var cbErr error
	completion := 0
	s.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		completion++
		return true
	})
	text, err := s.model.Predict(p.Prompt, predictOptions(p, s.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return Final{}, ctx.Err()
		}
		return Final{}, classify(err)
	}
	if cbErr != nil {
		return Final{Content: text}, cbErr
	}
	if ctx.Err() != nil {
		return Final{Content: text}, ctx.Err()
	}
	prompt, _ := s.countLocked(p.Prompt)
	reason := types.FinishStop
	if p.MaxTokens > 0 && completion >= p.MaxTokens {
		reason = types.FinishLength
	}
	return Final{
		Content:      text,
		Usage:        types.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		FinishReason: reason,
	}, nil
}

func (s *llamaModel) Tokenizer() Tokenizer { return s }

func (s *llamaModel) CountTokens(_ context.Context, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(text)
}

func (s *llamaModel) countLocked(text string) (int, error) {
	if s.model == nil {
		return 0, errors.New("llama model not initialized")
	}
	n, _, err := s.model.TokenizeString(text, llama.SetThreads(max(1, s.threads)))
	return int(n), err
}

func (s *llamaModel) MaxContextLength() int { return s.nCtx }

func (s *llamaModel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

// predictOptions maps adapted params onto go-llama.cpp options.
func predictOptions(p Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(p.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}
