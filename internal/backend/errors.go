package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfMemory is wrapped by errors raised when the device runs out of memory.
var ErrOutOfMemory = errors.New("device out of memory")

// IsOutOfMemory reports whether err stems from a device OOM.
func IsOutOfMemory(err error) bool { return errors.Is(err, ErrOutOfMemory) }

// classify wraps runtime errors whose text identifies a CUDA OOM with ErrOutOfMemory.
func classify(err error) error {
	if err == nil || IsOutOfMemory(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "out of memory") && (strings.Contains(msg, "cuda") || strings.Contains(msg, "cublas") || strings.Contains(msg, "ggml")) {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return err
}

// dependencyUnavailableError signals a runtime that is not compiled in or not installed.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependency-unavailable error.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// httpError is a non-2xx response from an upstream runtime.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string { return fmt.Sprintf("upstream http %d: %s", e.status, e.body) }

// StatusCode lets the HTTP layer surface upstream status codes.
func (e *httpError) StatusCode() int { return e.status }
