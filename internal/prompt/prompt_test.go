package prompt

import (
	"errors"
	"strings"
	"testing"

	"modelworker/pkg/types"
)

func TestDefaultRegistryLookup(t *testing.T) {
	r := DefaultRegistry()
	cases := []struct {
		lang, model, want string
	}{
		{"en", "", "chat_normal_en"},
		{"zh", "qwen", "chat_normal_zh"},
		{"fr", "", "chat_normal_en"},
		{"", "", "chat_normal_en"},
	}
	for _, c := range cases {
		got, err := r.Get("chat_normal", c.lang, c.model)
		if err != nil || got.Code != c.want {
			t.Fatalf("Get(%q,%q) = %s, %v; want %s", c.lang, c.model, got.Code, err, c.want)
		}
	}
	if _, err := r.Get("chat_excel", "en", ""); err == nil {
		t.Fatal("expected error for unknown chat mode")
	}
}

func TestModelSpecificTemplateWins(t *testing.T) {
	r := DefaultRegistry()
	if err := r.Register(Template{Code: "qwen_en", ChatMode: "chat_normal", Language: LangEN, ModelName: "qwen", System: "Q"}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("chat_normal", "en", "qwen")
	if got.Code != "qwen_en" {
		t.Fatalf("got %s", got.Code)
	}
	got, _ = r.Get("chat_normal", "en", "llama")
	if got.Code != "chat_normal_en" {
		t.Fatalf("got %s", got.Code)
	}
	if err := r.Register(Template{Code: "qwen_en", ChatMode: "chat_normal", System: "dup"}); err == nil {
		t.Fatal("expected duplicate code error")
	}
	if _, ok := r.ByCode("qwen_en"); !ok {
		t.Fatal("ByCode missed")
	}
}

func TestFormat(t *testing.T) {
	tmpl, _ := DefaultRegistry().Get("chat_normal", "en", "")
	s, err := tmpl.Format(Vars{UserName: "ada", SelectParam: "sales db"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s, "talking with ada") || !strings.Contains(s, "sales db") {
		t.Fatalf("system prompt = %q", s)
	}
	bare, _ := tmpl.Format(Vars{})
	if strings.Contains(bare, "talking with") || strings.Contains(bare, "Context selected") {
		t.Fatalf("empty vars leaked: %q", bare)
	}
	if err := NewRegistry().Register(Template{Code: "bad", ChatMode: "m", System: "{{.Nope"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseOutput(t *testing.T) {
	text, err := ParseOutput(&types.ModelOutput{Text: " hi \n"})
	if err != nil || text != "hi" {
		t.Fatalf("got %q, %v", text, err)
	}
	failed := types.ErrorOutput("**GPU OutOfMemory, Please Refresh.**")
	_, err = ParseOutput(failed)
	var me *ModelError
	if !errors.As(err, &me) || me.Output != failed {
		t.Fatalf("expected ModelError carrying the output, got %v", err)
	}
	if s, _ := ParseStreamOutput(&types.ModelOutput{Text: "a "}); s != "a " {
		t.Fatalf("stream parse trimmed: %q", s)
	}
}

func TestViewAndEscape(t *testing.T) {
	if got := View("answer", ""); got != "answer" {
		t.Fatalf("got %q", got)
	}
	if got := View("answer", "hmm"); got != "<think>hmm</think>\nanswer" {
		t.Fatalf("got %q", got)
	}
	if got := EscapeNewlines("a\nb\n"); got != `a\nb\n` {
		t.Fatalf("got %q", got)
	}
}
