package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"modelworker/internal/backend"
	"modelworker/internal/message"
	"modelworker/internal/params"
	"modelworker/pkg/types"
)

type fakeTokenizer struct {
	n   int
	err error
}

func (f fakeTokenizer) CountTokens(context.Context, string) (int, error) { return f.n, f.err }

type fakeModel struct{ nCtx int }

func (fakeModel) Generate(context.Context, backend.Params, func(string) error) (backend.Final, error) {
	return backend.Final{}, nil
}
func (fakeModel) Tokenizer() backend.Tokenizer { return nil }
func (fakeModel) Close() error                 { return nil }
func (f fakeModel) MaxContextLength() int      { return f.nCtx }

type fakeCompleter struct{ fakeModel }

func (fakeCompleter) Complete(context.Context, backend.Params) (backend.Final, error) {
	return backend.Final{Content: "ok"}, nil
}

func msgs(pairs ...string) []types.ModelMessage {
	var out []types.ModelMessage
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, types.ModelMessage{Role: pairs[i], Content: pairs[i+1]})
	}
	return out
}

func TestRegistryGet(t *testing.T) {
	r := DefaultRegistry()
	cases := []struct {
		name, provider, want string
	}{
		{"DeepSeek-R1-Distill-Qwen-7B", params.ProviderLlamaCpp, "deepseek-r1"},
		{"meta-llama-3-8b-instruct", params.ProviderLlamaServer, "llama3"},
		{"vicuna-13b", params.ProviderLlamaCpp, "vicuna"},
		{"qwen2.5-7b-instruct", params.ProviderLlamaCpp, "chatml"},
		{"gpt-4o", params.ProviderOpenAI, "openai"},
	}
	for _, c := range cases {
		a, err := r.Get(c.name, c.provider, "")
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if a.ModelType() != c.want {
			t.Fatalf("%s: got %s want %s", c.name, a.ModelType(), c.want)
		}
		if a.ParamClass != c.provider {
			t.Fatalf("%s: param class %s", c.name, a.ParamClass)
		}
	}
	if _, err := r.Get("x", "unknown", ""); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestChatMLAdaptation(t *testing.T) {
	a, _ := DefaultRegistry().Get("qwen2.5", params.ProviderLlamaCpp, "")
	temp := 0.2
	req := types.ModelRequest{
		Model:       "qwen2.5",
		Messages:    msgs(types.RoleSystem, "S", types.RoleHuman, "hello"),
		Temperature: &temp,
		Stop:        []string{"###"},
	}
	p, mctx, err := a.ModelAdaptation(context.Background(), req, params.Deploy{Name: "qwen2.5"}, nil)
	if err != nil {
		t.Fatalf("adaptation: %v", err)
	}
	want := "<|im_start|>system\nS<|im_end|>\n<|im_start|>user\nhello<|im_end|>\n<|im_start|>assistant\n"
	if p.Prompt != want {
		t.Fatalf("prompt = %q", p.Prompt)
	}
	if p.Temperature != 0.2 || p.MaxTokens != defaultMaxNewTokens {
		t.Fatalf("params = %+v", p)
	}
	if len(p.Stop) != 2 || p.Stop[1] != "<|im_end|>" {
		t.Fatalf("stop = %v", p.Stop)
	}
	if mctx[CtxTemplate] != "chatml" || mctx[CtxReasoningModel] != false || mctx[CtxPromptEchoLen] != len(want) {
		t.Fatalf("model context = %v", mctx)
	}
	if got := a.PromptRoles(params.Deploy{}); len(got) != 3 {
		t.Fatalf("roles = %v", got)
	}
	if a.DefaultMessageSeparator(params.Deploy{}) != "<|im_end|>\n" {
		t.Fatalf("separator mismatch")
	}
}

func TestDeepSeekFlattensSystemAndOpensThinking(t *testing.T) {
	a, _ := DefaultRegistry().Get("deepseek-r1-7b", params.ProviderLlamaServer, "")
	if a.SupportSystemRole(params.Deploy{}) {
		t.Fatalf("deepseek-r1 template has no system role")
	}
	req := types.ModelRequest{Messages: msgs(types.RoleSystem, "S", types.RoleHuman, "H")}
	p, mctx, err := a.ModelAdaptation(context.Background(), req, params.Deploy{}, nil)
	if err != nil {
		t.Fatalf("adaptation: %v", err)
	}
	if !strings.Contains(p.Prompt, "<｜User｜>S\n\nH") || !strings.HasSuffix(p.Prompt, "<｜Assistant｜><think>\n") {
		t.Fatalf("prompt = %q", p.Prompt)
	}
	if mctx[CtxReasoningModel] != true || mctx[CtxThinkingOpened] != true {
		t.Fatalf("model context = %v", mctx)
	}

	off := false
	if a.IsReasoningModel(params.Deploy{ReasoningModel: &off}, "deepseek-r1") {
		t.Fatalf("explicit deploy setting must win")
	}
}

func TestRenderRejectsSystemWhenUnsupported(t *testing.T) {
	tpl, _ := Template("deepseek-r1")
	_, err := tpl.Render([]message.CommonMessage{{Role: message.RoleSystem, Content: "S"}})
	if !errors.Is(err, message.ErrSystemRoleUnsupported) {
		t.Fatalf("expected system role error, got %v", err)
	}
}

func TestUnknownPromptTemplate(t *testing.T) {
	a, _ := DefaultRegistry().Get("qwen", params.ProviderLlamaCpp, "")
	_, _, err := a.ModelAdaptation(context.Background(), types.ModelRequest{Messages: msgs(types.RoleHuman, "x")}, params.Deploy{PromptTemplate: "nope"}, nil)
	if err == nil {
		t.Fatalf("expected unknown template error")
	}
}

func TestNoMessages(t *testing.T) {
	a, _ := DefaultRegistry().Get("qwen", params.ProviderLlamaCpp, "")
	if _, _, err := a.ModelAdaptation(context.Background(), types.ModelRequest{}, params.Deploy{}, nil); err == nil {
		t.Fatalf("expected error for empty messages")
	}
}

func TestContextLengthClampsMaxTokens(t *testing.T) {
	a, _ := DefaultRegistry().Get("qwen", params.ProviderLlamaCpp, "")
	ctxLen := 100
	req := types.ModelRequest{Messages: msgs(types.RoleHuman, "x"), ContextLen: &ctxLen}
	p, mctx, err := a.ModelAdaptation(context.Background(), req, params.Deploy{}, fakeTokenizer{n: 90})
	if err != nil {
		t.Fatalf("adaptation: %v", err)
	}
	if p.MaxTokens != 10 || mctx[CtxPromptTokens] != 90 {
		t.Fatalf("max tokens = %d ctx = %v", p.MaxTokens, mctx)
	}
	if _, _, err := a.ModelAdaptation(context.Background(), req, params.Deploy{}, fakeTokenizer{n: 100}); err == nil {
		t.Fatalf("expected error when prompt fills the context")
	}
}

func TestOpenAIAdapterIsChatNative(t *testing.T) {
	a, _ := DefaultRegistry().Get("deepseek-reasoner", params.ProviderOpenAI, "")
	if !a.SupportAsync() || !a.SupportGenerateFunction() {
		t.Fatalf("openai adapter should be async with native generate")
	}
	req := types.ModelRequest{Model: "deepseek-reasoner", Messages: msgs(types.RoleSystem, "S", types.RoleHuman, "H")}
	p, mctx, err := a.ModelAdaptation(context.Background(), req, params.Deploy{Name: "deepseek-reasoner"}, nil)
	if err != nil {
		t.Fatalf("adaptation: %v", err)
	}
	if len(p.Messages) != 2 || p.Messages[0].Role != message.RoleSystem {
		t.Fatalf("messages = %+v", p.Messages)
	}
	if mctx[CtxReasoningModel] != true {
		t.Fatalf("reasoner should be a reasoning model")
	}
	if _, ok := a.GenerateFunction(fakeModel{}); ok {
		t.Fatalf("model without Complete has no generate function")
	}
	if _, ok := a.GenerateFunction(fakeCompleter{}); !ok {
		t.Fatalf("completer should provide generate function")
	}
	if a.ParseMaxLength(fakeModel{nCtx: 4096}) != 4096 {
		t.Fatalf("max length not parsed")
	}
}

func TestSplitThinking(t *testing.T) {
	cases := []struct {
		in, thinking, answer string
	}{
		{"plain answer", "", "plain answer"},
		{"<think>a</think>b", "a", "b"},
		{"<think>still going", "still going", ""},
		{"reasoning\n</think>\n\nanswer", "reasoning", "answer"},
	}
	for _, c := range cases {
		th, ans := SplitThinking(c.in)
		if th != c.thinking || ans != c.answer {
			t.Fatalf("%q: got (%q, %q)", c.in, th, ans)
		}
	}
	if th, ans := SplitThinkingOpen("partial thought"); th != "partial thought" || ans != "" {
		t.Fatalf("open split = (%q, %q)", th, ans)
	}
}
