package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"modelworker/internal/params"
)

func newServerModel(t *testing.T, h http.Handler) *llamaServerModel {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	l := &LlamaServerLoader{Log: zerolog.Nop()}
	l.init()
	return &llamaServerModel{loader: l, path: "m.gguf", baseURL: ts.URL, log: zerolog.Nop()}
}

func TestLlamaServerCompletionStream(t *testing.T) {
	var got completionRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		sw := sseWriter{w: w}
		sw.data(map[string]any{"choices": []any{map[string]any{"text": "Hello"}}})
		sw.data(map[string]any{"choices": []any{map[string]any{"text": " World", "finish_reason": "stop"}}})
		sw.data("[DONE]")
	})
	m := newServerModel(t, mux)

	var b strings.Builder
	final, err := m.Generate(testCtx(t), Params{Prompt: "Say hi", MaxTokens: 8, Stop: []string{"</s>"}}, func(s string) error {
		b.WriteString(s)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if b.String() != "Hello World" || final.Content != "Hello World" || final.FinishReason != "stop" {
		t.Fatalf("stream = %q final = %+v", b.String(), final)
	}
	if got.Prompt != "Say hi" || !got.Stream || got.MaxTokens != 8 {
		t.Fatalf("request = %+v", got)
	}
}

func TestLlamaServerOOMIsClassified(t *testing.T) {
	m := newServerModel(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ggml_cuda: out of memory", http.StatusInternalServerError)
	}))
	_, err := m.Generate(testCtx(t), Params{Prompt: "x"}, func(string) error { return nil })
	if !IsOutOfMemory(err) {
		t.Fatalf("expected OOM, got %v", err)
	}
}

func TestLlamaServerTokenizeAndProps(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tokens":[1,2,3,4]}`))
	})
	mux.HandleFunc("/props", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"default_generation_settings":{"n_ctx":8192}}`))
	})
	m := newServerModel(t, mux)
	n, err := m.Tokenizer().CountTokens(testCtx(t), "four token text")
	if err != nil || n != 4 {
		t.Fatalf("count = %d err = %v", n, err)
	}
	if got := m.fetchContextLength(testCtx(t)); got != 8192 {
		t.Fatalf("n_ctx = %d", got)
	}
}

func TestLlamaServerMissingBinary(t *testing.T) {
	l := &LlamaServerLoader{Log: zerolog.Nop()}
	_, err := l.Load(testCtx(t), params.Deploy{Name: "m", Path: "m.gguf", LlamaBin: "/nonexistent/llama-server"})
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestLlamaServerEmptyPath(t *testing.T) {
	l := &LlamaServerLoader{}
	if _, err := l.Load(testCtx(t), params.Deploy{Name: "m"}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestPickFreePort(t *testing.T) {
	p, err := pickFreePort("127.0.0.1")
	if err != nil || p <= 0 {
		t.Fatalf("port = %d err = %v", p, err)
	}
	if _, err := pickPortInRange("127.0.0.1", 2, 1); err == nil {
		t.Fatalf("empty range must fail")
	}
}
