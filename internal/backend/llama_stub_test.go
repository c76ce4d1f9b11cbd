//go:build !llama

package backend

import (
	"testing"

	"modelworker/internal/params"
)

func TestLlamaStubUnavailable(t *testing.T) {
	if Built() {
		t.Fatalf("stub build reports llama built")
	}
	_, err := LlamaLoader{}.Load(testCtx(t), params.Deploy{Name: "m", Path: "m.gguf"})
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}
