package prompt

import (
	"strings"

	"modelworker/pkg/types"
)

// ModelError is a failed model output. It keeps the output for error rendering.
type ModelError struct {
	Output *types.ModelOutput
}

func (e *ModelError) Error() string {
	if e.Output == nil {
		return "empty model output"
	}
	return e.Output.Text
}

// ParseOutput returns the answer text of out, or a *ModelError when the model failed.
func ParseOutput(out *types.ModelOutput) (string, error) {
	if out == nil {
		return "", &ModelError{}
	}
	if !out.Success() {
		return "", &ModelError{Output: out}
	}
	return strings.TrimSpace(out.Text), nil
}

// ParseStreamOutput is ParseOutput for partial outputs; whitespace is kept so that
// cumulative text still prefixes the next frame.
func ParseStreamOutput(out *types.ModelOutput) (string, error) {
	if out == nil || !out.Success() {
		return ParseOutput(out)
	}
	return out.Text, nil
}

// View renders an output for display, putting reasoning in a think block ahead of the
// answer.
func View(text, thinking string) string {
	if thinking == "" {
		return text
	}
	return "<think>" + thinking + "</think>\n" + text
}

// EscapeNewlines collapses newlines so a view string fits on one transport line.
func EscapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}
