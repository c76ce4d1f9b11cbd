package chat

import (
	"errors"
	"net/http"

	"modelworker/pkg/types"
)

// InputError is a request the runner refuses before touching a model.
type InputError struct{ Err error }

func (e *InputError) Error() string   { return "invalid chat request: " + e.Err.Error() }
func (e *InputError) Unwrap() error   { return e.Err }
func (e *InputError) StatusCode() int { return http.StatusBadRequest }

// ContextAppError carries the model output that failed to parse so callers can render
// it.
type ContextAppError struct {
	Output *types.ModelOutput
	Err    error
}

func (e *ContextAppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Output != nil {
		return e.Output.Text
	}
	return "model output error"
}

func (e *ContextAppError) Unwrap() error { return e.Err }

// IsInputError reports whether err is an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// ErrorView renders msg as a red error line.
func ErrorView(msg string) string {
	return `<span style="color:red">ERROR!</span> ` + msg
}
