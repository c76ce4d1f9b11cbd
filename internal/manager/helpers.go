package manager

import (
	"time"

	"modelworker/internal/worker"
)

func (m *Manager) newInstance(model, kind string, concurrency int) *Instance {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Instance{
		Model:    model,
		Kind:     kind,
		State:    StateLoading,
		LastUsed: time.Now(),
		genCh:    make(chan struct{}, concurrency),
		queueCh:  make(chan struct{}, m.cfg.MaxQueueDepth),
	}
}

func (m *Manager) newRemoteInstance(r RemoteSpec) *Instance {
	inst := m.newInstance(r.Model, KindRemote, m.cfg.MaxQueueDepth)
	inst.Worker = worker.NewRemoteWorker(worker.RemoteConfig{
		Model:   r.Model,
		Host:    r.Host,
		Port:    r.Port,
		Timeout: r.Timeout,
		Log:     m.cfg.Log,
	})
	inst.State = StateReady
	return inst
}

// instance returns the registered instance for name, or nil.
func (m *Manager) instance(name string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[name]
}
