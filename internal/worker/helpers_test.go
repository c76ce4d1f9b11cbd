package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelworker/internal/backend"
	"modelworker/internal/params"
	"modelworker/pkg/types"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fakeTokenizer struct{}

func (fakeTokenizer) CountTokens(_ context.Context, text string) (int, error) {
	if text == "" {
		return 0, errors.New("empty")
	}
	return 3, nil
}

// fakeModel streams tokens; failAt >= 0 returns err after that many tokens.
type fakeModel struct {
	tokens []string
	failAt int
	err    error
	block  bool
	nCtx   int
	tok    backend.Tokenizer

	mu     sync.Mutex
	closed bool
	params backend.Params
}

func (m *fakeModel) Generate(ctx context.Context, p backend.Params, onToken func(string) error) (backend.Final, error) {
	m.mu.Lock()
	m.params = p
	m.mu.Unlock()
	if m.block {
		if err := onToken("x"); err != nil {
			return backend.Final{}, err
		}
		<-ctx.Done()
		return backend.Final{}, ctx.Err()
	}
	var content string
	for i, tok := range m.tokens {
		if i == m.failAt {
			return backend.Final{}, m.err
		}
		if err := onToken(tok); err != nil {
			return backend.Final{}, err
		}
		content += tok
	}
	return backend.Final{Content: content, FinishReason: types.FinishStop}, nil
}

func (m *fakeModel) Tokenizer() backend.Tokenizer { return m.tok }
func (m *fakeModel) MaxContextLength() int       { return m.nCtx }
func (m *fakeModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type completingModel struct {
	*fakeModel
	calls int
}

func (m *completingModel) Complete(context.Context, backend.Params) (backend.Final, error) {
	m.calls++
	return backend.Final{Content: "native", Usage: types.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3}, FinishReason: types.FinishStop}, nil
}

type fakeLoader struct {
	model   backend.Model
	err     error
	cleared int
}

func (l *fakeLoader) Load(context.Context, params.Deploy) (backend.Model, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

func (l *fakeLoader) ClearCache() { l.cleared++ }

type nopSampler struct{}

func (nopSampler) Sample(context.Context) ([]types.GPUInfo, error) { return nil, nil }

func deploy(name, provider string) params.Deploy {
	return params.Deploy{Class: provider, Name: name, Provider: provider, Path: name + ".gguf", Device: params.DeviceCPU, Concurrency: 1}
}

func newLocal(t *testing.T, d params.Deploy, m backend.Model) *LocalWorker {
	t.Helper()
	w := NewLocalWorker(LocalConfig{
		Deploy:  d,
		Loaders: backend.Loaders{d.Provider: &fakeLoader{model: m}},
		Sampler: nopSampler{},
		Log:     zerolog.Nop(),
	})
	if err := w.Load(testCtx(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	return w
}

func request(text string) types.ModelRequest {
	return types.ModelRequest{Model: "m", Messages: []types.ModelMessage{{Role: types.RoleHuman, Content: text}}}
}

func collect(t *testing.T, s Stream) []*types.ModelOutput {
	t.Helper()
	defer s.Close()
	var outs []*types.ModelOutput
	for {
		out, err := s.Next(testCtx(t))
		if err != nil {
			return outs
		}
		outs = append(outs, out)
	}
}
