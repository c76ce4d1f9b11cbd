package e2e

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"modelworker/internal/manager"
	"modelworker/pkg/types"
)

func TestE2E_ChatStreamThroughRemoteWorker(t *testing.T) {
	ctx := testCtx(t)
	loader := &scriptedLoader{model: &scriptedModel{tokens: []string{"Hel", "lo"}}}
	worker, _ := newWorkerNode(t, "tiny", loader, nil)
	front := newFrontNode(t, remoteTo(t, worker, "tiny"))

	resp := post(t, ctx, front.URL+"/api/v1/chat/completions", `{"conv_uid":"c-e2e","user_input":"hi","stream":true}`)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Conv-Uid") != "c-e2e" {
		t.Fatalf("stream status=%d headers=%v body=%s", resp.StatusCode, resp.Header, body)
	}
	var answer string
	for _, ev := range strings.Split(strings.TrimSpace(string(body)), "\n\n") {
		answer += strings.TrimPrefix(ev, "data: ")
	}
	if answer != "Hello" {
		t.Fatalf("deltas joined to %q in %q", answer, body)
	}

	resp = post(t, ctx, front.URL+"/api/v1/chat/completions", `{"conv_uid":"c-e2e","user_input":"again"}`)
	var out types.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out.Success || out.Text != "Hello" {
		t.Fatalf("nostream: err=%v out=%+v", err, out)
	}
	resp.Body.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, front.URL+"/api/v1/chat/history/c-e2e", nil)
	hresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer hresp.Body.Close()
	var hist types.ChatHistoryResponse
	if err := json.NewDecoder(hresp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	var rounds = map[int]int{}
	for _, m := range hist.Messages {
		rounds[m.RoundIndex]++
	}
	if len(hist.Messages) != 6 || rounds[1] != 3 || rounds[2] != 3 {
		t.Fatalf("history: %+v", hist.Messages)
	}
	if hist.Messages[0].Type != "human" || hist.Messages[0].Content != "hi" || hist.Messages[1].Type != "ai" {
		t.Fatalf("first round: %+v", hist.Messages[:3])
	}
	if n := loader.loads.Load(); n != 1 {
		t.Fatalf("worker loaded model %d times", n)
	}
}

func TestE2E_Backpressure429(t *testing.T) {
	ctx := testCtx(t)
	loader := &scriptedLoader{model: &scriptedModel{hold: true}}
	worker, _ := newWorkerNode(t, "slow", loader, func(c *manager.Config) {
		c.MaxQueueDepth = 1
		c.MaxWait = 5 * time.Millisecond
	})
	req := `{"model":"slow","messages":[{"role":"human","content":"hold"}]}`

	first := post(t, ctx, worker.URL+"/api/worker/generate_stream", req)
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first: %d", first.StatusCode)
	}
	frame, err := readFrame(bufio.NewReader(first.Body))
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	var out types.ModelOutput
	if err := json.Unmarshal(frame, &out); err != nil || out.Text != "x" {
		t.Fatalf("frame %q: %v", frame, err)
	}

	if code := drain(post(t, ctx, worker.URL+"/api/worker/generate_stream", req)); code != http.StatusTooManyRequests {
		t.Fatalf("second stream: want 429, got %d", code)
	}
	if code := drain(post(t, ctx, worker.URL+"/api/worker/generate", req)); code != http.StatusTooManyRequests {
		t.Fatalf("generate: want 429, got %d", code)
	}

	// A front node relays the worker's backpressure.
	front := newFrontNode(t, remoteTo(t, worker, "slow"))
	if code := drain(post(t, ctx, front.URL+"/api/worker/generate", req)); code != http.StatusTooManyRequests {
		t.Fatalf("front generate: want 429, got %d", code)
	}
}

func TestE2E_UnknownRemoteModel(t *testing.T) {
	ctx := testCtx(t)
	worker, _ := newWorkerNode(t, "tiny", &scriptedLoader{model: &scriptedModel{tokens: []string{"a"}}}, nil)
	front := newFrontNode(t, remoteTo(t, worker, "ghost"))

	req := `{"model":"ghost","messages":[{"role":"human","content":"hi"}]}`
	if code := drain(post(t, ctx, front.URL+"/api/worker/generate", req)); code != http.StatusNotFound {
		t.Fatalf("want 404 from worker, got %d", code)
	}
	req = `{"model":"nope","messages":[{"role":"human","content":"hi"}]}`
	if code := drain(post(t, ctx, front.URL+"/api/worker/generate", req)); code != http.StatusNotFound {
		t.Fatalf("want 404 from front, got %d", code)
	}
}

func TestE2E_UnloadAndReload(t *testing.T) {
	ctx := testCtx(t)
	loader := &scriptedLoader{model: &scriptedModel{tokens: []string{"o", "k"}}}
	worker, _ := newWorkerNode(t, "tiny", loader, nil)
	req := `{"model":"tiny","messages":[{"role":"human","content":"hi"}]}`

	if code := drain(post(t, ctx, worker.URL+"/api/worker/generate", req)); code != http.StatusOK {
		t.Fatalf("generate: %d", code)
	}
	if code := drain(post(t, ctx, worker.URL+"/api/worker/models/tiny/unload", "")); code != http.StatusNoContent {
		t.Fatalf("unload: %d", code)
	}
	resp := post(t, ctx, worker.URL+"/api/worker/generate", req)
	var out types.ModelOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Text != "ok" {
		t.Fatalf("after reload: err=%v out=%+v", err, out)
	}
	resp.Body.Close()
	if n := loader.loads.Load(); n != 2 {
		t.Fatalf("want 2 loads, got %d", n)
	}
}
