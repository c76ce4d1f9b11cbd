package blackbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/tests/blackbox/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("blackbox tests build the binary; skipped in -short mode")
	}
	binPath := filepath.Join(t.TempDir(), "modelworker")
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/modelworker")
	cmd.Dir = projectRootFromThisFile(t)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}
	return binPath
}

func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", n, err)
		}
	}
	return dir
}

// baseArgs isolates the binary from any .env or config on the host.
func baseArgs(t *testing.T, modelsDir string) []string {
	return []string{
		"--env-file", filepath.Join(t.TempDir(), "none.env"),
		"--models-dir", modelsDir,
		"--storage", "memory",
		"--log-level", "warn",
	}
}

func startServer(t *testing.T, bin, modelsDir, defaultModel string) string {
	t.Helper()
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := append([]string{"serve", "--addr", fmt.Sprintf("127.0.0.1:%d", port)}, baseArgs(t, modelsDir)...)
	if defaultModel != "" {
		args = append(args, "--default-model", defaultModel)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_Flow(t *testing.T) {
	bin := buildBinary(t)
	base := startServer(t, bin, createTempModelsDir(t, "alpha.gguf", "beta.GGUF", "notes.txt"), "alpha")

	resp, body := get(t, base+"/api/worker/models")
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		t.Fatalf("/api/worker/models %d %s", resp.StatusCode, body)
	}
	var models struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("models json: %v body=%s", err, body)
	}
	if len(models.Models) != 2 || models.Models[0].Name != "alpha" || models.Models[1].Name != "beta" {
		t.Fatalf("models: %s", body)
	}

	// Local deploys count as ready before their first load.
	if resp, body := get(t, base+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz %d %s", resp.StatusCode, body)
	}
	resp, body = get(t, base+"/status")
	var status struct {
		Workers []any `json:"workers"`
	}
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &status) != nil {
		t.Fatalf("/status %d %s", resp.StatusCode, body)
	}
	if resp, body := get(t, base+"/metrics"); resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("modelworker_http_requests_total")) {
		t.Fatalf("/metrics %d", resp.StatusCode)
	}
}

func TestBlackbox_GenerateErrors(t *testing.T) {
	bin := buildBinary(t)
	base := startServer(t, bin, createTempModelsDir(t, "alpha.gguf"), "alpha")

	if resp, body := postJSON(t, base+"/api/worker/generate", `{"model":"missing","messages":[{"role":"human","content":"hi"}]}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", resp.StatusCode, body)
	}
	if resp, body := postJSON(t, base+"/api/worker/generate", `{"model":"alpha","messages":[]}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", resp.StatusCode, body)
	}
	if resp, body := postJSON(t, base+"/api/v1/chat/completions", `{"conv_uid":"c1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank user_input, got %d, body=%s", resp.StatusCode, body)
	}
}

func TestBlackbox_ModelsCommand(t *testing.T) {
	bin := buildBinary(t)
	cmd := exec.Command(bin, append([]string{"models"}, baseArgs(t, createTempModelsDir(t, "alpha.gguf", "beta.gguf"))...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("models: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "NAME") || !strings.HasPrefix(lines[1], "alpha") || !strings.HasPrefix(lines[2], "beta") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
