package manager

import (
	"context"
	"sync"
	"sync/atomic"
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

// stubModel answers with fixed tokens; when hold is set it emits one token and waits.
type stubModel struct {
	tokens []string
	hold   bool

	mu     sync.Mutex
	closed bool
}

func (m *stubModel) Generate(ctx context.Context, _ backend.Params, onToken func(string) error) (backend.Final, error) {
	if m.hold {
		if err := onToken("x"); err != nil {
			return backend.Final{}, err
		}
		<-ctx.Done()
		return backend.Final{}, ctx.Err()
	}
	var content string
	for _, tok := range m.tokens {
		if err := onToken(tok); err != nil {
			return backend.Final{}, err
		}
		content += tok
	}
	return backend.Final{Content: content, FinishReason: types.FinishStop}, nil
}

func (m *stubModel) Tokenizer() backend.Tokenizer { return nil }

func (m *stubModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *stubModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type countingLoader struct {
	model backend.Model
	err   error
	delay time.Duration
	loads atomic.Int32
}

func (l *countingLoader) Load(ctx context.Context, _ params.Deploy) (backend.Model, error) {
	l.loads.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

type nopSampler struct{}

func (nopSampler) Sample(context.Context) ([]types.GPUInfo, error) { return nil, nil }

func localDeploy(name string) params.Deploy {
	return params.Deploy{
		Class:       params.ProviderLlamaCpp,
		Name:        name,
		Provider:    params.ProviderLlamaCpp,
		Path:        name + ".gguf",
		Device:      params.DeviceCPU,
		Concurrency: 1,
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Log = zerolog.Nop()
	cfg.Sampler = nopSampler{}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func human(model, text string) types.ModelRequest {
	return types.ModelRequest{Model: model, Messages: []types.ModelMessage{{Role: types.RoleHuman, Content: text}}}
}
