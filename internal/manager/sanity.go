package manager

import (
	"os/exec"
	"path/filepath"

	"modelworker/internal/backend"
	"modelworker/internal/common/fsutil"
	"modelworker/internal/params"
)

// SanityReport describes runtime checks for external dependencies.
type SanityReport struct {
	LlamaBuiltIn bool          `json:"llama_built_in"`
	Servers      []BinaryCheck `json:"llama_servers,omitempty"`
	Models       []ModelCheck  `json:"models,omitempty"`
}

// BinaryCheck reports whether a llama-server binary resolved.
type BinaryCheck struct {
	Bin   string `json:"bin"`
	Path  string `json:"path,omitempty"`
	Found bool   `json:"found"`
	Error string `json:"error,omitempty"`
}

// ModelCheck reports whether a local model's weights are present.
type ModelCheck struct {
	Model string `json:"model"`
	Path  string `json:"path,omitempty"`
	Found bool   `json:"found"`
	Error string `json:"error,omitempty"`
}

// SanityCheck validates that runtimes and weights referenced by local models exist.
// It does not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{LlamaBuiltIn: backend.Built()}
	seen := map[string]bool{}
	m.mu.RLock()
	deploys := make([]params.Deploy, 0, len(m.deploys))
	for _, d := range m.deploys {
		deploys = append(deploys, d)
	}
	m.mu.RUnlock()
	for _, d := range deploys {
		switch d.Provider {
		case params.ProviderLlamaServer:
			if !seen[d.LlamaBin] {
				seen[d.LlamaBin] = true
				r.Servers = append(r.Servers, checkBinary(d.LlamaBin))
			}
		case params.ProviderOpenAI:
			continue
		}
		mc := ModelCheck{Model: d.Name, Path: fsutil.ResolvePath(d.Path)}
		mc.Found = fsutil.PathExists(mc.Path)
		if !mc.Found {
			mc.Error = "model file not found"
		}
		if d.Provider == params.ProviderLlamaCpp && !r.LlamaBuiltIn {
			mc.Error = "llama.cpp runtime not built in (rebuild with -tags llama)"
		}
		r.Models = append(r.Models, mc)
	}
	return r
}

func checkBinary(bin string) BinaryCheck {
	if bin == "" {
		bin = "llama-server"
	}
	c := BinaryCheck{Bin: bin}
	p, err := exec.LookPath(fsutil.ResolvePath(bin))
	if err != nil {
		c.Error = err.Error()
		return c
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	c.Path, c.Found = p, true
	return c
}
