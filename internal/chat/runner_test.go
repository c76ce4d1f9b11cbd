package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"modelworker/internal/conversation"
	"modelworker/internal/message"
	"modelworker/internal/worker"
	"modelworker/pkg/types"
)

const oomText = "**GPU OutOfMemory, Please Refresh.**"

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fakeClient struct {
	mu         sync.Mutex
	streamOuts []*types.ModelOutput
	streamErr  error
	gen        func(ctx context.Context, call int) (*types.ModelOutput, error)
	calls      int
	reqs       []types.ModelRequest
}

func (c *fakeClient) GenerateStream(_ context.Context, req types.ModelRequest) (worker.Stream, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return worker.NewSliceStream(c.streamOuts...), nil
}

func (c *fakeClient) Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return c.gen(ctx, n)
}

func (c *fakeClient) lastRequest() types.ModelRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[len(c.reqs)-1]
}

func newRunner(t *testing.T, client Client, mutate func(*Config)) (*Runner, conversation.Stores) {
	t.Helper()
	stores := conversation.MemoryStores()
	cfg := Config{Client: client, Stores: stores, DefaultModel: "qwen", Log: zerolog.Nop()}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, stores
}

func param(conv, input string) ChatParam {
	return ChatParam{ChatSessionID: conv, CurrentUserInput: input, ChatMode: ChatNormal}
}

func cumulative(texts ...string) []*types.ModelOutput {
	out := make([]*types.ModelOutput, len(texts))
	for i, s := range texts {
		out[i] = &types.ModelOutput{Text: s}
	}
	return out
}

func stored(t *testing.T, stores conversation.Stores, uid string) []message.Message {
	t.Helper()
	c, err := conversation.Load(testCtx(t), conversation.Options{ConvUID: uid, Stores: stores})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return c.Messages()
}

func TestStreamCallDeltas(t *testing.T) {
	client := &fakeClient{streamOuts: cumulative("H", "He", "Hel", "Hello")}
	var states []State
	r, stores := newRunner(t, client, func(c *Config) {
		c.OnState = func(_ string, s State) { states = append(states, s) }
	})
	var views []string
	if err := r.StreamCall(testCtx(t), param("s2", "hi"), func(v string) error {
		views = append(views, v)
		return nil
	}); err != nil {
		t.Fatalf("stream call: %v", err)
	}
	if want := []string{"H", "e", "l", "lo"}; strings.Join(views, "|") != strings.Join(want, "|") {
		t.Fatalf("deltas = %q, want %q", views, want)
	}

	msgs := stored(t, stores, "s2")
	if len(msgs) != 3 || msgs[1].Type != message.AI || msgs[1].Content != "Hello" || msgs[2].Type != message.View {
		t.Fatalf("stored = %+v", msgs)
	}
	want := []State{StateBuildRequest, StateStream, StateAccumulate, StateFinalize, StateDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v", states)
		}
	}
	req := client.lastRequest()
	if req.Model != "qwen" || req.Messages[0].Role != types.RoleSystem || req.Messages[len(req.Messages)-1].Content != "hi" {
		t.Fatalf("request = %+v", req)
	}
}

func TestStreamCallOOM(t *testing.T) {
	client := &fakeClient{streamOuts: []*types.ModelOutput{{Text: "par"}, types.ErrorOutput(oomText)}}
	r, stores := newRunner(t, client, nil)
	var views []string
	err := r.StreamCall(testCtx(t), param("s3", "hi"), func(v string) error {
		views = append(views, v)
		return nil
	})
	if err != nil {
		t.Fatalf("context app errors are rendered, not returned: %v", err)
	}
	if len(views) != 2 || views[1] != ErrorView(oomText) {
		t.Fatalf("views = %v", views)
	}
	msgs := stored(t, stores, "s3")
	if len(msgs) != 3 || msgs[1].Content != "par" || msgs[2].Content != ErrorView(oomText) {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestStreamCallTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	r, stores := newRunner(t, &fakeClient{streamErr: boom}, nil)
	err := r.StreamCall(testCtx(t), param("tx", "hi"), func(string) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	msgs := stored(t, stores, "tx")
	if len(msgs) != 2 || !strings.Contains(msgs[1].Content, "connection refused") {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestStreamCallThinkingAndNewlines(t *testing.T) {
	client := &fakeClient{streamOuts: []*types.ModelOutput{{Text: "a\nb", Thinking: "t"}}}
	r, _ := newRunner(t, client, nil)
	var got string
	_ = r.StreamCall(testCtx(t), param("th", "hi"), func(v string) error { got = v; return nil })
	if got != `<think>t</think>\na\nb` {
		t.Fatalf("view = %q", got)
	}
}

func TestStreamCallDeltaFallsBackToFullView(t *testing.T) {
	client := &fakeClient{streamOuts: []*types.ModelOutput{
		{Text: "a", Thinking: "t"},
		{Text: "a", Thinking: "t"},
		{Text: "ab", Thinking: "t2"},
		{Text: "abc", Thinking: "t2"},
	}}
	r, _ := newRunner(t, client, nil)
	var views []string
	if err := r.StreamCall(testCtx(t), param("fb", "hi"), func(v string) error {
		views = append(views, v)
		return nil
	}); err != nil {
		t.Fatalf("stream call: %v", err)
	}
	want := []string{`<think>t</think>\na`, `<think>t2</think>\nab`, "c"}
	if strings.Join(views, "|") != strings.Join(want, "|") {
		t.Fatalf("views = %q, want %q", views, want)
	}
}

func TestStreamCallPersistsWhenClientGoesAway(t *testing.T) {
	client := &fakeClient{streamOuts: cumulative("a", "ab", "abc")}
	r, stores := newRunner(t, client, nil)
	gone := errors.New("client gone")
	n := 0
	err := r.StreamCall(testCtx(t), param("gone", "hi"), func(string) error {
		n++
		if n == 2 {
			return gone
		}
		return nil
	})
	if !errors.Is(err, gone) {
		t.Fatalf("err = %v", err)
	}
	msgs := stored(t, stores, "gone")
	if len(msgs) < 2 || msgs[1].Content != "ab" {
		t.Fatalf("partial answer not persisted: %+v", msgs)
	}
}

func TestHistoryWindow(t *testing.T) {
	client := &fakeClient{streamOuts: cumulative("ok")}
	r, _ := newRunner(t, client, nil)
	for _, q := range []string{"q1", "q2", "q3", "q4"} {
		if err := r.StreamCall(testCtx(t), param("win", q), func(string) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}
	req := client.lastRequest()
	var contents []string
	for _, m := range req.Messages[1:] {
		contents = append(contents, m.Content)
	}
	if got := strings.Join(contents, ","); got != "q2,ok,q3,ok,q4" {
		t.Fatalf("history = %s", got)
	}
	if last := req.Messages[len(req.Messages)-1]; last.RoundIndex != 4 {
		t.Fatalf("round index = %d", last.RoundIndex)
	}
}

func TestInputValidation(t *testing.T) {
	r, _ := newRunner(t, &fakeClient{}, nil)
	cases := map[string]ChatParam{
		"no input":   {ChatSessionID: "c", ChatMode: ChatNormal},
		"no session": {CurrentUserInput: "x", ChatMode: ChatNormal},
		"bad mode":   {ChatSessionID: "c", CurrentUserInput: "x", ChatMode: "chat_excel"},
		"bad temp":   {ChatSessionID: "c", CurrentUserInput: "x", ChatMode: ChatNormal, Temperature: ptr(3.5)},
		"bad ver":    {ChatSessionID: "c", CurrentUserInput: "x", ChatMode: ChatNormal, MessageVersion: "v9"},
	}
	for name, p := range cases {
		if _, err := r.NoStreamCall(testCtx(t), p); !IsInputError(err) {
			t.Fatalf("%s: expected input error, got %v", name, err)
		}
	}
	zero := param("c", "x")
	zero.Temperature = ptr(0.0)
	if err := zero.Validate(); err != nil {
		t.Fatalf("temperature 0 rejected: %v", err)
	}
}

func ptr[T any](v T) *T { return &v }

func TestNoStreamRetries(t *testing.T) {
	client := &fakeClient{gen: func(_ context.Context, n int) (*types.ModelOutput, error) {
		if n < 3 {
			return nil, errors.New("transport")
		}
		return &types.ModelOutput{Text: " answer "}, nil
	}}
	r, stores := newRunner(t, client, func(c *Config) { c.Retries = 3 })
	res, err := r.NoStreamCall(testCtx(t), param("retry", "hi"))
	if err != nil || res.Text != "answer" || res.View != "answer" {
		t.Fatalf("res = %+v, %v", res, err)
	}
	if client.calls != 3 {
		t.Fatalf("calls = %d", client.calls)
	}
	if msgs := stored(t, stores, "retry"); len(msgs) != 3 || msgs[1].Content != "answer" {
		t.Fatalf("stored = %+v", msgs)
	}

	failing := &fakeClient{gen: func(context.Context, int) (*types.ModelOutput, error) { return nil, errors.New("down") }}
	r2, _ := newRunner(t, failing, func(c *Config) { c.Retries = 2 })
	if _, err := r2.NoStreamCall(testCtx(t), param("down", "hi")); err == nil || failing.calls != 2 {
		t.Fatalf("err=%v calls=%d", err, failing.calls)
	}
}

func TestNoStreamParallelFirstSuccessWins(t *testing.T) {
	client := &fakeClient{gen: func(ctx context.Context, n int) (*types.ModelOutput, error) {
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &types.ModelOutput{Text: "fast"}, nil
	}}
	r, _ := newRunner(t, client, func(c *Config) { c.Parallel = 3 })
	start := time.Now()
	res, err := r.NoStreamCall(testCtx(t), param("par", "hi"))
	if err != nil || res.Text != "fast" {
		t.Fatalf("res = %+v, %v", res, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("slow attempt was not canceled")
	}
}

func TestNoStreamContextAppError(t *testing.T) {
	failed := types.ErrorOutput(oomText)
	client := &fakeClient{gen: func(context.Context, int) (*types.ModelOutput, error) { return failed, nil }}
	r, stores := newRunner(t, client, nil)
	res, err := r.NoStreamCall(testCtx(t), param("cae", "hi"))
	var ce *ContextAppError
	if !errors.As(err, &ce) || ce.Output != failed {
		t.Fatalf("expected ContextAppError with output, got %v", err)
	}
	if res.View != ErrorView(oomText) {
		t.Fatalf("view = %q", res.View)
	}
	msgs := stored(t, stores, "cae")
	if msgs[len(msgs)-1].Content != ErrorView(oomText) {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestHistoryAndDelete(t *testing.T) {
	prev := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	client := &fakeClient{streamOuts: cumulative("hi there")}
	r, stores := newRunner(t, client, nil)
	p := param("hist", "hello")
	p.MessageVersion = conversation.MessageVersionV1
	p.ModelCacheEnable = true
	if err := r.StreamCall(testCtx(t), p, func(string) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if req := client.lastRequest(); !req.CacheEnable || req.SpanID == "" {
		t.Fatalf("request = %+v", req)
	}
	msgs, err := r.History(testCtx(t), "hist")
	if err != nil || len(msgs) != 3 {
		t.Fatalf("history = %+v, %v", msgs, err)
	}
	if err := r.DeleteHistory(testCtx(t), "hist"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if msgs := stored(t, stores, "hist"); len(msgs) != 0 {
		t.Fatalf("messages survived delete: %+v", msgs)
	}
}
