package backend

import (
	"github.com/rs/zerolog"

	"modelworker/internal/params"
)

// Built reports whether the in-process llama runtime is compiled in.
func Built() bool { return llamaBuilt }

// DefaultLoaders returns the loader table for every supported provider.
func DefaultLoaders(log zerolog.Logger, onEvent EventFunc) Loaders {
	return Loaders{
		params.ProviderLlamaCpp:    LlamaLoader{Log: log},
		params.ProviderLlamaServer: &LlamaServerLoader{Log: log, OnEvent: onEvent},
		params.ProviderOpenAI:      OpenAILoader{Log: log},
	}
}
