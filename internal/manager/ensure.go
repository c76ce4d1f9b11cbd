package manager

import (
	"context"
	"time"

	"modelworker/internal/backend"
	"modelworker/internal/worker"
)

// Ensure returns a ready instance for name, loading a local worker on first use.
// Concurrent callers for the same model share one load.
func (m *Manager) Ensure(ctx context.Context, name string) (*Instance, error) {
	name, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if inst := m.instances[name]; inst != nil {
		switch inst.State {
		case StateReady:
			inst.LastUsed = time.Now()
			m.mu.Unlock()
			return inst, nil
		case StateDraining:
			m.mu.Unlock()
			return nil, tooBusyError{model: name}
		}
	}
	m.mu.Unlock()

	ch := m.loads.DoChan(name, func() (any, error) {
		// Detached so one caller giving up does not abort the load the others wait on.
		return m.load(context.WithoutCancel(ctx), name)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Instance), nil
	}
}

func (m *Manager) load(ctx context.Context, name string) (*Instance, error) {
	m.mu.Lock()
	if inst := m.instances[name]; inst != nil && inst.State == StateReady {
		m.mu.Unlock()
		return inst, nil
	}
	d, ok := m.deploys[name]
	if !ok {
		// Remote instances are registered at construction; reaching here means it was unloaded.
		if r, isRemote := m.remotes[name]; isRemote {
			inst := m.newRemoteInstance(r)
			m.instances[name] = inst
			m.mu.Unlock()
			return inst, nil
		}
		m.mu.Unlock()
		return nil, ErrModelNotFound(name)
	}
	inst := m.newInstance(name, KindLocal, d.Concurrency)
	m.instances[name] = inst
	m.mu.Unlock()

	m.publish("load_start", name, map[string]any{"provider": d.Provider})
	start := time.Now()
	w := worker.NewLocalWorker(worker.LocalConfig{
		Deploy:   d,
		Loaders:  m.loaders,
		Adapters: m.cfg.Adapters,
		Kernels:  m.kernels,
		Sampler:  m.cfg.Sampler,
		Log:      m.cfg.Log,
	})
	if err := w.Load(ctx); err != nil {
		m.mu.Lock()
		inst.State = StateError
		inst.Err = err.Error()
		m.err = err.Error()
		m.mu.Unlock()
		m.publish("load_error", name, map[string]any{"error": err.Error()})
		if backend.IsDependencyUnavailable(err) {
			return nil, ErrDependencyUnavailable(err.Error())
		}
		return nil, err
	}
	m.loadsTotal.Add(1)
	m.mu.Lock()
	inst.Worker = w
	inst.State = StateReady
	inst.Err = ""
	inst.LastUsed = time.Now()
	m.err = ""
	m.mu.Unlock()
	m.publish("load_done", name, map[string]any{"dur_ms": time.Since(start).Milliseconds(), "device": w.Device(), "context_length": w.ContextLength()})
	return inst, nil
}

// Preload starts loading name in the background and returns an operation id.
// Progress is observable through Status and the published events.
func (m *Manager) Preload(name string) (string, error) {
	name, err := m.resolve(name)
	if err != nil {
		return "", err
	}
	op := m.nextOpID()
	go func() {
		if _, err := m.Ensure(context.Background(), name); err != nil {
			m.log.Warn().Err(err).Str("model", name).Str("op", op).Msg("preload failed")
		}
	}()
	return op, nil
}
