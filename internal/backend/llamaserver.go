package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"modelworker/internal/params"
)

const (
	defaultReadyTimeout = 30 * time.Second
	stopGrace           = 2 * time.Second
)

// EventFunc receives runtime lifecycle events (spawn_start, spawn_ready, spawn_exit, ...).
type EventFunc func(name, model string, fields map[string]any)

// LlamaServerLoader spawns one llama-server process per model path.
type LlamaServerLoader struct {
	Log          zerolog.Logger
	OnEvent      EventFunc
	ReadyTimeout time.Duration

	mu     sync.Mutex
	procs  map[string]*procInfo // key: model path
	client *http.Client
}

type procInfo struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	exited  chan struct{}
}

func (l *LlamaServerLoader) init() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.procs == nil {
		l.procs = make(map[string]*procInfo)
	}
	if l.client == nil {
		// No client timeout: every request carries a context deadline.
		l.client = &http.Client{}
	}
}

func (l *LlamaServerLoader) emit(name, model string, fields map[string]any) {
	if l.OnEvent != nil {
		l.OnEvent(name, model, fields)
	}
}

// Load starts (or reuses) the process serving d.Path and waits until it answers /v1/models.
func (l *LlamaServerLoader) Load(ctx context.Context, d params.Deploy) (Model, error) {
	if strings.TrimSpace(d.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	l.init()
	baseURL, err := l.ensureProcess(ctx, d)
	if err != nil {
		return nil, err
	}
	m := &llamaServerModel{
		loader:  l,
		path:    d.Path,
		baseURL: baseURL,
		log:     l.Log.With().Str("model", d.Name).Str("provider", d.Provider).Logger(),
	}
	m.nCtx = m.fetchContextLength(ctx)
	return m, nil
}

// ClearCache stops every spawned process.
func (l *LlamaServerLoader) ClearCache() { l.StopAll() }

func (l *LlamaServerLoader) isHealthy(ctx context.Context, baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (l *LlamaServerLoader) ensureProcess(ctx context.Context, d params.Deploy) (string, error) {
	l.mu.Lock()
	p := l.procs[d.Path]
	l.mu.Unlock()
	if p != nil {
		if l.isHealthy(ctx, p.baseURL, time.Second) {
			return p.baseURL, nil
		}
		_ = l.Stop(d.Path)
	}

	host := strings.TrimSpace(d.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	var port int
	var err error
	if d.PortStart > 0 && d.PortEnd >= d.PortStart {
		port, err = pickPortInRange(host, d.PortStart, d.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return "", err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	args := []string{"-m", d.Path, "--host", host, "--port", strconv.Itoa(port)}
	if d.ContextLength > 0 {
		args = append(args, "-c", strconv.Itoa(d.ContextLength))
	}
	if d.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(d.GPULayers))
	}
	if d.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(d.Threads))
	}
	args = append(args, d.ExtraArgs...)

	bin := d.LlamaBin
	if bin == "" {
		bin = "llama-server"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", ErrDependencyUnavailable("llama-server binary not found: " + bin)
	}
	cmd := exec.Command(bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start llama-server: %w", err)
	}
	pid := cmd.Process.Pid
	l.Log.Info().Str("model", d.Name).Int("pid", pid).Str("url", baseURL).Msg("llama-server started")
	l.emit("spawn_start", d.Name, map[string]any{"pid": pid, "host": host, "port": port})

	info := &procInfo{cmd: cmd, baseURL: baseURL, pid: pid, exited: make(chan struct{})}
	l.mu.Lock()
	l.procs[d.Path] = info
	l.mu.Unlock()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(info.exited)
	}()

	timeout := l.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = l.Stop(d.Path)
			return "", ctx.Err()
		case <-deadline.C:
			_ = l.Stop(d.Path)
			l.emit("spawn_timeout", d.Name, map[string]any{"pid": pid})
			return "", fmt.Errorf("llama-server not ready in time: %s", baseURL)
		case werr := <-waitErr:
			l.forget(d.Path, info)
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			l.Log.Warn().Str("model", d.Name).Int("pid", pid).AnErr("exit", werr).Msg("llama-server exited before ready")
			l.emit("spawn_exit", d.Name, map[string]any{"pid": pid, "before_ready": true})
			return "", classify(fmt.Errorf("llama-server exited early: %v; stderr tail: %s", werr, tail))
		case <-tick.C:
			if l.isHealthy(ctx, baseURL, time.Second) {
				l.Log.Info().Str("model", d.Name).Int("pid", pid).Msg("llama-server ready")
				l.emit("spawn_ready", d.Name, map[string]any{"pid": pid, "url": baseURL})
				return baseURL, nil
			}
		}
	}
}

func (l *LlamaServerLoader) forget(path string, p *procInfo) {
	l.mu.Lock()
	if l.procs[path] == p {
		delete(l.procs, path)
	}
	l.mu.Unlock()
}

// Stop terminates the process serving path, if any: SIGTERM, then kill after a grace period.
func (l *LlamaServerLoader) Stop(path string) error {
	l.mu.Lock()
	p := l.procs[path]
	delete(l.procs, path)
	l.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
	case <-time.After(stopGrace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	l.emit("spawn_stop", path, map[string]any{"pid": p.pid})
	return nil
}

// StopAll terminates all spawned processes.
func (l *LlamaServerLoader) StopAll() {
	l.mu.Lock()
	paths := make([]string, 0, len(l.procs))
	for k := range l.procs {
		paths = append(paths, k)
	}
	l.mu.Unlock()
	for _, p := range paths {
		_ = l.Stop(p)
	}
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// llamaServerModel talks to one spawned llama-server.
type llamaServerModel struct {
	loader  *LlamaServerLoader
	path    string
	baseURL string
	nCtx    int
	log     zerolog.Logger
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	Stream        bool     `json:"stream"`
}

func (m *llamaServerModel) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.loader.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (m *llamaServerModel) Generate(ctx context.Context, p Params, onToken func(string) error) (Final, error) {
	resp, err := m.postJSON(ctx, "/v1/completions", completionRequest{
		Prompt:        p.Prompt,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		Stop:          p.Stop,
		Seed:          p.Seed,
		RepeatPenalty: p.RepeatPenalty,
		Stream:        true,
	})
	if err != nil {
		return Final{}, err
	}
	defer resp.Body.Close()
	final, err := readSSE(ctx, resp.Body, m.log, onToken)
	return final, classify(err)
}

func (m *llamaServerModel) Tokenizer() Tokenizer { return m }

// CountTokens uses the server's /tokenize endpoint.
func (m *llamaServerModel) CountTokens(ctx context.Context, text string) (int, error) {
	resp, err := m.postJSON(ctx, "/tokenize", map[string]any{"content": text})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Tokens []json.RawMessage `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return len(out.Tokens), nil
}

func (m *llamaServerModel) MaxContextLength() int { return m.nCtx }

// fetchContextLength reads n_ctx from /props; 0 when unavailable.
func (m *llamaServerModel) fetchContextLength(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/props", nil)
	if err != nil {
		return 0
	}
	resp, err := m.loader.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	var props struct {
		Settings struct {
			NCtx int `json:"n_ctx"`
		} `json:"default_generation_settings"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&props) != nil {
		return 0
	}
	return props.Settings.NCtx
}

func (m *llamaServerModel) Close() error { return m.loader.Stop(m.path) }
