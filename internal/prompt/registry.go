// Package prompt holds the prompt template registry consulted by chat scenes and the
// parser that turns model outputs into answer text.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// Languages with built-in templates.
const (
	LangEN = "en"
	LangZH = "zh"
)

// Template is a named system prompt for one chat mode, language and optionally model.
type Template struct {
	Code     string
	ChatMode string
	Language string
	// ModelName restricts the template to one model; empty matches every model.
	ModelName string
	System    string
	// Stop strings added to the request.
	Stop []string

	tmpl *template.Template
}

// Vars are the values a system prompt may reference.
type Vars struct {
	UserName    string
	SelectParam string
	ChatMode    string
	Input       string
}

// Format renders the system prompt.
func (t Template) Format(v Vars) (string, error) {
	if t.tmpl == nil {
		return t.System, nil
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", t.Code, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Registry maps prompt codes and chat modes to templates.
type Registry struct {
	mu     sync.RWMutex
	byCode map[string]Template
	byMode map[string][]Template
}

func NewRegistry() *Registry {
	return &Registry{byCode: map[string]Template{}, byMode: map[string][]Template{}}
}

// Register parses t.System and adds t. Codes must be unique.
func (r *Registry) Register(t Template) error {
	if t.Code == "" || t.ChatMode == "" {
		return fmt.Errorf("prompt template needs a code and a chat mode")
	}
	if t.Language == "" {
		t.Language = LangEN
	}
	tmpl, err := template.New(t.Code).Option("missingkey=error").Parse(t.System)
	if err != nil {
		return fmt.Errorf("parse prompt %s: %w", t.Code, err)
	}
	t.tmpl = tmpl
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byCode[t.Code]; dup {
		return fmt.Errorf("prompt template %s already registered", t.Code)
	}
	r.byCode[t.Code] = t
	r.byMode[t.ChatMode] = append(r.byMode[t.ChatMode], t)
	return nil
}

// ByCode returns the template registered under code.
func (r *Registry) ByCode(code string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byCode[code]
	return t, ok
}

// Get picks the template for a chat mode. Preference: same language and model, same
// language for any model, English for any model, then the first registered.
func (r *Registry) Get(chatMode, language, modelName string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cands := r.byMode[chatMode]
	if len(cands) == 0 {
		return Template{}, fmt.Errorf("no prompt template for chat mode %q", chatMode)
	}
	if language == "" {
		language = LangEN
	}
	match := func(lang string, model func(string) bool) (Template, bool) {
		for _, t := range cands {
			if t.Language == lang && model(t.ModelName) {
				return t, true
			}
		}
		return Template{}, false
	}
	if modelName != "" {
		if t, ok := match(language, func(m string) bool { return m == modelName }); ok {
			return t, nil
		}
	}
	anyModel := func(m string) bool { return m == "" }
	if t, ok := match(language, anyModel); ok {
		return t, nil
	}
	if t, ok := match(LangEN, anyModel); ok {
		return t, nil
	}
	return cands[0], nil
}

// DefaultRegistry registers the built-in chat_normal prompts.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []Template{
		{Code: "chat_normal_en", ChatMode: "chat_normal", Language: LangEN, System: ChatNormalEN},
		{Code: "chat_normal_zh", ChatMode: "chat_normal", Language: LangZH, System: ChatNormalZH},
	} {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}
