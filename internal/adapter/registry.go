package adapter

import (
	"fmt"
	"strings"

	"modelworker/internal/params"
)

// Registry is an ordered table of adapters; the first match for (name, provider) wins.
type Registry struct {
	adapters []Adapter
}

// NewRegistry builds a registry from adapters in priority order.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: append([]Adapter(nil), adapters...)}
}

// Register appends an adapter with the lowest priority.
func (r *Registry) Register(a Adapter) { r.adapters = append(r.adapters, a) }

// Get returns the adapter for a model name and path on provider.
func (r *Registry) Get(name, provider, path string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.ParamClass != provider {
			continue
		}
		if a.Match == nil || a.Match(name, path) {
			return a, nil
		}
	}
	return Adapter{}, fmt.Errorf("no adapter for model %q on provider %q", name, provider)
}

// nameContains matches when the lowercased name or path base contains any needle.
func nameContains(needles ...string) func(name, path string) bool {
	return func(name, path string) bool {
		s := strings.ToLower(name + " " + path)
		for _, n := range needles {
			if strings.Contains(s, n) {
				return true
			}
		}
		return false
	}
}

func always(v bool) func(params.Deploy, string) bool {
	return func(params.Deploy, string) bool { return v }
}

var openAIReasoning = nameContains("deepseek-r1", "reasoner", "qwq", "o1-", "o3-", "o4-")

// DefaultRegistry returns the built-in adapters: dedicated families first, then a
// chatml fallback per local provider and a chat-native adapter for OpenAI proxies.
func DefaultRegistry() *Registry {
	var out []Adapter
	for _, provider := range []string{params.ProviderLlamaCpp, params.ProviderLlamaServer} {
		out = append(out,
			Adapter{
				Name: "deepseek-r1", ParamClass: provider, Template: "deepseek-r1",
				Match: nameContains("deepseek-r1", "r1-distill"), Reasoning: always(true),
			},
			Adapter{
				Name: "llama3", ParamClass: provider, Template: "llama3",
				Match: nameContains("llama-3", "llama3"),
			},
			Adapter{
				Name: "vicuna", ParamClass: provider, Template: "vicuna",
				Match: nameContains("vicuna"), CompatibleFormat: true,
			},
			Adapter{
				Name: "chatml", ParamClass: provider, Template: "chatml",
				Reasoning: func(_ params.Deploy, name string) bool { return nameContains("qwq", "qwen3")(name, "") },
			},
		)
	}
	out = append(out, Adapter{
		Name:       "openai",
		ParamClass: params.ProviderOpenAI,
		Async:      true,
		Generate:   true,
		Reasoning:  func(d params.Deploy, name string) bool { return openAIReasoning(name, d.Name) },
	})
	return NewRegistry(out...)
}
