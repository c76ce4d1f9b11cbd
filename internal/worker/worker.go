// Package worker implements the unified worker contract over a locally loaded model
// and over a remote worker reached by HTTP.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modelworker/pkg/types"
)

// Error texts surfaced to users in terminal ModelOutputs.
const (
	OOMText          = "**GPU OutOfMemory, Please Refresh.**"
	GenerateErrorFmt = "**LLMServer Generate Error, Please CheckErrorInfo.**: %s"
)

// Worker answers generate, stream, count-token, metadata and embeddings calls for one model.
type Worker interface {
	// GenerateStream opens a stream of cumulative outputs. Once open, failures arrive as a
	// terminal output with ErrorCode 1 rather than as errors.
	GenerateStream(ctx context.Context, req types.ModelRequest) (Stream, error)
	Generate(ctx context.Context, req types.ModelRequest) (*types.ModelOutput, error)
	CountToken(ctx context.Context, req types.CountTokenRequest) (int, error)
	ModelMetadata(ctx context.Context, req types.ModelMetadataRequest) (types.ModelMetadata, error)
	Embeddings(ctx context.Context, req types.EmbeddingsRequest) ([][]float64, error)
	Close() error
}

var (
	// ErrEmbeddingsNotSupported is returned by workers without an embedding model.
	ErrEmbeddingsNotSupported = errors.New("embeddings not supported by this worker")
	// ErrNotLoaded is returned when a local worker is used before Load.
	ErrNotLoaded = errors.New("model not loaded")
)

// StatusError is a non-2xx response from a remote worker.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote worker http %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// StatusCode lets the HTTP layer pass the remote status through.
func (e *StatusError) StatusCode() int { return e.Code }

// incremental returns the suffix of text appended since prev.
func incremental(prev, text string) string {
	if strings.HasPrefix(text, prev) {
		return text[len(prev):]
	}
	return text
}
