package params

import (
	"fmt"
	"strings"
)

// Providers supported by local workers.
const (
	ProviderLlamaCpp    = "llama.cpp"
	ProviderLlamaServer = "llama.cpp.server"
	ProviderOpenAI      = "proxy/openai"
)

// Devices a local worker may run on. Empty means auto-detect.
const (
	DeviceAuto = ""
	DeviceCUDA = "cuda"
	DeviceMPS  = "mps"
	DeviceCPU  = "cpu"
)

// Deploy is the typed result of walking a model entry through its provider schema.
type Deploy struct {
	// Class is the name of the schema that produced these parameters.
	Class          string
	Name           string
	Provider       string
	Path           string
	Device         string
	ContextLength  int
	PromptTemplate string
	// ReasoningModel is nil when the adapter should decide.
	ReasoningModel *bool
	Concurrency    int

	// llama.cpp / llama.cpp.server
	Threads   int
	GPULayers int
	LlamaBin  string
	Host      string
	PortStart int
	PortEnd   int
	ExtraArgs []string

	// proxy/openai
	APIBase  string
	APIKey   string
	Timeout  int
	Encoding string
}

var commonFields = []Field{
	{Name: "name", Label: "Model name", Help: "Name clients use to address this model.", Type: TypeString, Required: true},
	{Name: "provider", Label: "Provider", Help: "Backend that serves the model.", Type: TypeString, Required: true,
		ValidValues: []any{ProviderLlamaCpp, ProviderLlamaServer, ProviderOpenAI}},
	{Name: "device", Label: "Device", Help: "cuda, mps or cpu; empty auto-detects.", Type: TypeString, Default: DeviceAuto,
		ValidValues: []any{DeviceAuto, DeviceCUDA, DeviceMPS, DeviceCPU}},
	{Name: "context_length", Label: "Context length", Help: "Overrides the model's max length when > 0.", Type: TypeInt, Default: 0},
	{Name: "prompt_template", Label: "Prompt template", Help: "Chat template name (chatml, llama3, vicuna, deepseek-r1).", Type: TypeString},
	{Name: "reasoning_model", Label: "Reasoning model", Help: "Split <think> output into the thinking channel.", Type: TypeBool},
	{Name: "concurrency", Label: "Concurrency", Help: "Parallel generations admitted for this model.", Type: TypeInt, Default: 1},
}

// LlamaCppSchema describes in-process llama.cpp models.
var LlamaCppSchema = Schema{Name: ProviderLlamaCpp, Fields: append(cloneFields(commonFields),
	Field{Name: "path", Label: "Model path", Help: "GGUF weights file.", Type: TypeString, Required: true},
	Field{Name: "threads", Label: "Threads", Help: "CPU threads used for decoding.", Type: TypeInt, Default: 4},
	Field{Name: "gpu_layers", Label: "GPU layers", Help: "Layers offloaded to the GPU.", Type: TypeInt, Default: 0},
)}

// LlamaServerSchema describes models served by a spawned llama-server process.
var LlamaServerSchema = Schema{Name: ProviderLlamaServer, Fields: append(cloneFields(commonFields),
	Field{Name: "path", Label: "Model path", Help: "GGUF weights file.", Type: TypeString, Required: true},
	Field{Name: "llama_bin", Label: "llama-server binary", Help: "Path to llama-server.", Type: TypeString, Default: "llama-server"},
	Field{Name: "host", Label: "Bind host", Type: TypeString, Default: "127.0.0.1"},
	Field{Name: "port_start", Label: "Port range start", Help: "0 picks any free port.", Type: TypeInt, Default: 0},
	Field{Name: "port_end", Label: "Port range end", Type: TypeInt, Default: 0},
	Field{Name: "threads", Label: "Threads", Type: TypeInt, Default: 0},
	Field{Name: "gpu_layers", Label: "GPU layers", Type: TypeInt, Default: 0},
	Field{Name: "extra_args", Label: "Extra arguments", Help: "Appended to the llama-server command line.", Type: TypeStrings},
)}

// OpenAISchema describes models reached through an OpenAI-compatible API.
var OpenAISchema = Schema{Name: ProviderOpenAI, Fields: append(cloneFields(commonFields),
	Field{Name: "api_base", Label: "API base", Help: "Base URL, e.g. https://api.openai.com/v1.", Type: TypeString, Required: true},
	Field{Name: "api_key", Label: "API key", Type: TypeString, Ext: map[string]any{"sensitive": true}},
	Field{Name: "timeout", Label: "Timeout seconds", Type: TypeInt, Default: 600},
	Field{Name: "encoding", Label: "Tokenizer encoding", Help: "tiktoken encoding used by count_token.", Type: TypeString, Default: "cl100k_base",
		ValidValues: []any{"cl100k_base", "o200k_base"}},
)}

// SchemaFor returns the schema for provider.
func SchemaFor(provider string) (Schema, bool) {
	switch provider {
	case ProviderLlamaCpp:
		return LlamaCppSchema, true
	case ProviderLlamaServer:
		return LlamaServerSchema, true
	case ProviderOpenAI:
		return OpenAISchema, true
	}
	return Schema{}, false
}

// ParseDeploy walks raw through the schema selected by its provider key.
func ParseDeploy(raw map[string]any) (Deploy, error) {
	provider, _ := raw["provider"].(string)
	provider = strings.TrimSpace(provider)
	s, ok := SchemaFor(provider)
	if !ok {
		return Deploy{}, fmt.Errorf("unknown provider %q", provider)
	}
	v, err := s.Walk(raw)
	if err != nil {
		return Deploy{}, err
	}
	d := Deploy{
		Class:          s.Name,
		Name:           v.String("name"),
		Provider:       v.String("provider"),
		Path:           v.String("path"),
		Device:         v.String("device"),
		ContextLength:  v.Int("context_length"),
		PromptTemplate: v.String("prompt_template"),
		Concurrency:    v.Int("concurrency"),
		Threads:        v.Int("threads"),
		GPULayers:      v.Int("gpu_layers"),
		LlamaBin:       v.String("llama_bin"),
		Host:           v.String("host"),
		PortStart:      v.Int("port_start"),
		PortEnd:        v.Int("port_end"),
		ExtraArgs:      v.Strings("extra_args"),
		APIBase:        v.String("api_base"),
		APIKey:         v.String("api_key"),
		Timeout:        v.Int("timeout"),
		Encoding:       v.String("encoding"),
	}
	if v.Has("reasoning_model") {
		b := v.Bool("reasoning_model")
		d.ReasoningModel = &b
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	return d, nil
}

func cloneFields(in []Field) []Field {
	out := make([]Field, len(in))
	copy(out, in)
	return out
}
