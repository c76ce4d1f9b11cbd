package e2e

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelworker/internal/backend"
	"modelworker/internal/chat"
	"modelworker/internal/conversation"
	"modelworker/internal/httpapi"
	"modelworker/internal/llmclient"
	"modelworker/internal/manager"
	"modelworker/internal/params"
	"modelworker/internal/storage"
	"modelworker/pkg/types"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// scriptedModel streams tokens; with hold it emits one token and blocks until canceled.
type scriptedModel struct {
	tokens []string
	hold   bool
}

func (m *scriptedModel) Generate(ctx context.Context, _ backend.Params, onToken func(string) error) (backend.Final, error) {
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

func (m *scriptedModel) Tokenizer() backend.Tokenizer { return nil }
func (m *scriptedModel) Close() error                 { return nil }

type scriptedLoader struct {
	model *scriptedModel
	loads atomic.Int32
}

func (l *scriptedLoader) Load(context.Context, params.Deploy) (backend.Model, error) {
	l.loads.Add(1)
	return l.model, nil
}

type nopSampler struct{}

func (nopSampler) Sample(context.Context) ([]types.GPUInfo, error) { return nil, nil }

func deploy(name string) params.Deploy {
	return params.Deploy{
		Class:       params.ProviderLlamaCpp,
		Name:        name,
		Provider:    params.ProviderLlamaCpp,
		Path:        name + ".gguf",
		Device:      params.DeviceCPU,
		Concurrency: 1,
	}
}

// newWorkerNode serves one local model backed by loader.
func newWorkerNode(t *testing.T, model string, loader backend.Loader, mutate func(*manager.Config)) (*httptest.Server, *manager.Manager) {
	t.Helper()
	cfg := manager.Config{
		Models:       []params.Deploy{deploy(model)},
		DefaultModel: model,
		Loaders:      backend.Loaders{params.ProviderLlamaCpp: loader},
		Sampler:      nopSampler{},
		Log:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := manager.New(cfg)
	if err != nil {
		t.Fatalf("worker manager: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr, nil))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})
	return srv, mgr
}

// newFrontNode fronts remote workers and serves the chat API over sqlite storage.
func newFrontNode(t *testing.T, remotes ...manager.RemoteSpec) *httptest.Server {
	t.Helper()
	mgr, err := manager.New(manager.Config{Remotes: remotes, DefaultModel: remotes[0].Model, Sampler: nopSampler{}, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("front manager: %v", err)
	}
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	stores, err := conversation.GormStores(db)
	if err != nil {
		t.Fatalf("stores: %v", err)
	}
	client, err := llmclient.New(mgr, 16, zerolog.Nop())
	if err != nil {
		t.Fatalf("llm client: %v", err)
	}
	runner, err := chat.NewRunner(chat.Config{Client: client, Stores: stores, DefaultModel: remotes[0].Model, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr, runner))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
		_ = storage.Close(db)
	})
	return srv
}

func remoteTo(t *testing.T, srv *httptest.Server, model string) manager.RemoteSpec {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(p)
	return manager.RemoteSpec{Model: model, Host: host, Port: port, Timeout: 5 * time.Second}
}

func post(t *testing.T, ctx context.Context, target, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	return resp
}

func drain(resp *http.Response) int {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode
}

// readFrame reads one NUL-terminated frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	b, err := r.ReadBytes(0)
	return bytes.TrimSuffix(b, []byte{0}), err
}
