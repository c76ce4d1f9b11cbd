package manager

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"modelworker/internal/backend"
	"modelworker/internal/params"
	"modelworker/pkg/types"
)

// Manager routes worker operations by model name to local or remote workers.
type Manager struct {
	cfg       Config
	log       zerolog.Logger
	publisher EventPublisher
	loaders   backend.Loaders
	kernels   *semaphore.Weighted

	mu        sync.RWMutex
	state     State
	err       string
	deploys   map[string]params.Deploy
	remotes   map[string]RemoteSpec
	instances map[string]*Instance

	loads      singleflight.Group
	loadsTotal atomic.Uint64
	opSeq      atomic.Uint64
	startTime  time.Time
}

// New validates cfg, applies defaults and registers remote workers.
func New(cfg Config) (*Manager, error) {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "manager").Logger(),
		publisher: cfg.Publisher,
		kernels:   semaphore.NewWeighted(int64(cfg.KernelPoolSize)),
		state:     StateReady,
		deploys:   make(map[string]params.Deploy),
		remotes:   make(map[string]RemoteSpec),
		instances: make(map[string]*Instance),
		startTime: time.Now(),
	}
	m.loaders = cfg.Loaders
	if m.loaders == nil {
		m.loaders = backend.DefaultLoaders(cfg.Log, func(name, model string, fields map[string]any) {
			m.publish(name, model, fields)
		})
	}
	for _, d := range cfg.Models {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, configError{msg: "model with empty name"}
		}
		if _, dup := m.deploys[name]; dup {
			return nil, configError{msg: fmt.Sprintf("duplicate model %q", name)}
		}
		m.deploys[name] = d
	}
	for _, r := range cfg.Remotes {
		name := strings.TrimSpace(r.Model)
		if name == "" {
			return nil, configError{msg: "remote worker with empty model"}
		}
		if _, dup := m.deploys[name]; dup {
			return nil, configError{msg: fmt.Sprintf("model %q is both local and remote", name)}
		}
		if _, dup := m.remotes[name]; dup {
			return nil, configError{msg: fmt.Sprintf("duplicate remote %q", name)}
		}
		m.remotes[name] = r
		m.instances[name] = m.newRemoteInstance(r)
	}
	if cfg.DefaultModel != "" && !m.known(cfg.DefaultModel) {
		return nil, configError{msg: fmt.Sprintf("default model %q is not registered", cfg.DefaultModel)}
	}
	return m, nil
}

func (m *Manager) known(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, local := m.deploys[name]
	_, remote := m.remotes[name]
	return local || remote
}

// resolve maps an empty name to the default model.
func (m *Manager) resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = m.cfg.DefaultModel
	}
	if name == "" {
		return "", ErrModelNotFound("(unspecified)")
	}
	if !m.known(name) {
		return "", ErrModelNotFound(name)
	}
	return name, nil
}

// Ready reports whether at least one worker can serve requests. A manager with only
// unloaded local models is ready because they load on first use.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateError {
		return false
	}
	for _, inst := range m.instances {
		if inst.State == StateReady {
			return true
		}
	}
	return len(m.deploys) > len(m.instances)
}

// Models lists every registered model sorted by name.
func (m *Manager) Models() []types.ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ModelInfo, 0, len(m.deploys)+len(m.remotes))
	for _, d := range m.deploys {
		out = append(out, types.ModelInfo{Name: d.Name, Provider: d.Provider, Path: d.Path, Worker: KindLocal})
	}
	for _, r := range m.remotes {
		out = append(out, types.ModelInfo{Name: r.Model, Provider: KindRemote, Worker: KindRemote})
	}
	slices.SortFunc(out, func(a, b types.ModelInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Deploy returns the deploy parameters of a local model.
func (m *Manager) Deploy(name string) (params.Deploy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deploys[name]
	return d, ok
}

func (m *Manager) nextOpID() string {
	return fmt.Sprintf("op-%d", m.opSeq.Add(1))
}
