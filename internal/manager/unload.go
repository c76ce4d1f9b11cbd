package manager

import (
	"time"

	"modelworker/internal/backend"
)

// Unload initiates a graceful drain of a worker and removes it.
// - Sets instance state to draining to reject new enqueues.
// - Waits up to DrainTimeout for in-flight and queued requests to finish.
// - Closes the worker, which stops any runtime process it owns.
func (m *Manager) Unload(name string) error {
	if name == "" {
		return ErrModelNotFound("(unspecified)")
	}
	m.mu.Lock()
	inst := m.instances[name]
	if inst == nil {
		m.mu.Unlock()
		return ErrModelNotFound(name)
	}
	inst.State = StateDraining
	m.mu.Unlock()
	m.publish("unload_start", name, nil)

	deadline := time.Now().Add(m.cfg.DrainTimeout)
	for {
		qlen := len(inst.queueCh)
		inflight := len(inst.genCh)
		if inflight == 0 && qlen == 0 {
			break
		}
		if time.Now().After(deadline) {
			m.publish("unload_timeout", name, map[string]any{"inflight": inflight, "queue": qlen})
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var err error
	if inst.Worker != nil {
		err = inst.Worker.Close()
	}
	m.mu.Lock()
	if m.instances[name] == inst {
		delete(m.instances, name)
	}
	m.mu.Unlock()
	if err != nil {
		m.log.Warn().Err(err).Str("model", name).Msg("worker close failed")
	}
	m.publish("unload_done", name, nil)
	return err
}

// Close unloads every worker and stops runtime processes that outlived their model.
func (m *Manager) Close() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	m.mu.RUnlock()
	var first error
	for _, name := range names {
		if err := m.Unload(name); err != nil && first == nil && !IsModelNotFound(err) {
			first = err
		}
	}
	for _, l := range m.loaders {
		if s, ok := l.(*backend.LlamaServerLoader); ok {
			s.StopAll()
		}
	}
	return first
}
