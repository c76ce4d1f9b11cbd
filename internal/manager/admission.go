package manager

import (
	"context"
	"time"
)

// beginGeneration reserves a queue slot and then one of the in-flight slots.
// Returns a release func to be called exactly once.
func (m *Manager) beginGeneration(ctx context.Context, inst *Instance) (func(), error) {
	m.mu.RLock()
	draining := inst.State == StateDraining
	m.mu.RUnlock()
	if draining {
		return func() {}, tooBusyError{model: inst.Model}
	}
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	queueTimer := time.NewTimer(m.cfg.MaxWait)
	defer queueTimer.Stop()
	select {
	case inst.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-queueTimer.C:
		return func() {}, tooBusyError{model: inst.Model}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-inst.queueCh
		}
	}()
	genTimer := time.NewTimer(m.cfg.MaxWait)
	defer genTimer.Stop()
	select {
	case inst.genCh <- struct{}{}:
		acquired = true
		m.mu.Lock()
		inst.LastUsed = time.Now()
		m.mu.Unlock()
		return func() { <-inst.genCh; <-inst.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-genTimer.C:
		return func() {}, tooBusyError{model: inst.Model}
	}
}
