package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelworker/internal/httpapi"
	"modelworker/internal/manager"
	"modelworker/internal/params"
	"modelworker/internal/registry"
	"modelworker/pkg/types"
)

// TestSpawnMode_Haiku prints a real haiku from a spawned llama-server.
// Skips unless LLAMA_BIN points to a llama-server binary and ~/models/llm
// contains at least one .gguf file.
func TestSpawnMode_Haiku(t *testing.T) {
	llamaBin := strings.TrimSpace(os.Getenv("LLAMA_BIN"))
	if llamaBin == "" {
		t.Skip("LLAMA_BIN not set; skipping spawn-mode haiku test")
	}
	home, _ := os.UserHomeDir()
	deploys, err := registry.ScanDir(filepath.Join(home, "models", "llm"), params.ProviderLlamaServer)
	if err != nil || len(deploys) == 0 {
		t.Skip("no GGUF found under ~/models/llm; skipping spawn-mode haiku test")
	}
	d := deploys[0]
	d.LlamaBin = llamaBin
	d.ContextLength = 2048

	mgr, err := manager.New(manager.Config{
		Models:        []params.Deploy{d},
		DefaultModel:  d.Name,
		MaxQueueDepth: 2,
		MaxWait:       10 * time.Second,
		Log:           zerolog.New(zerolog.NewTestWriter(t)),
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr, nil))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	body, _ := json.Marshal(types.ModelRequest{
		Model:    d.Name,
		Messages: []types.ModelMessage{{Role: types.RoleHuman, Content: "Write a 3-line haiku about the ocean."}},
	})
	resp := post(t, ctx, srv.URL+"/api/worker/generate_stream", string(body))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("generate_stream status=%d body=%s", resp.StatusCode, b)
	}

	var content string
	r := bufio.NewReader(resp.Body)
	for {
		frame, err := readFrame(r)
		if len(frame) > 0 {
			var out types.ModelOutput
			if jerr := json.Unmarshal(frame, &out); jerr != nil {
				t.Fatalf("frame %q: %v", frame, jerr)
			}
			if out.ErrorCode != 0 {
				t.Fatalf("model error: %s", out.Text)
			}
			content = out.Text
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if strings.TrimSpace(content) == "" {
		t.Fatalf("expected non-empty haiku content")
	}
	t.Logf("\n----- GENERATED HAIKU (spawn mode) -----\n%s\n----------------------------------------\n", content)
}
