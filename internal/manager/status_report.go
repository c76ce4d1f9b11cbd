package manager

import (
	"slices"
	"strings"
	"time"

	"modelworker/internal/worker"
	"modelworker/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, Err: m.err}
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	resp := types.StatusResponse{
		State:          string(m.state),
		LastError:      m.err,
		UptimeSeconds:  int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
		LoadsTotal:     m.loadsTotal.Load(),
	}
	resp.Workers = make([]types.WorkerStatus, 0, len(m.instances))
	for _, inst := range m.instances {
		switch inst.State {
		case StateLoading:
			resp.LoadingCount++
		case StateDraining:
			resp.DrainingCount++
		}
		ws := types.WorkerStatus{
			Model:         inst.Model,
			Kind:          inst.Kind,
			State:         string(inst.State),
			LastUsed:      inst.LastUsed.Unix(),
			QueueLen:      len(inst.queueCh),
			Inflight:      len(inst.genCh),
			MaxQueueDepth: cap(inst.queueCh),
			Error:         inst.Err,
		}
		switch w := inst.Worker.(type) {
		case *worker.LocalWorker:
			ws.ContextLength = w.ContextLength()
			ws.Device = w.Device()
		case *worker.RemoteWorker:
			ws.Address = w.Address()
		}
		resp.Workers = append(resp.Workers, ws)
	}
	slices.SortFunc(resp.Workers, func(a, b types.WorkerStatus) int { return strings.Compare(a.Model, b.Model) })
	return resp
}
