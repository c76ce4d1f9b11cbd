//go:build !llama

package backend

import (
	"context"

	"github.com/rs/zerolog"

	"modelworker/internal/params"
)

// Without the 'llama' build tag the in-process runtime refuses to load, keeping default
// builds CGO-free.

const llamaBuilt = false

// LlamaLoader is unavailable in this build.
type LlamaLoader struct {
	Log zerolog.Logger
}

func (LlamaLoader) Load(context.Context, params.Deploy) (Model, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (LlamaLoader) ClearCache() {}
