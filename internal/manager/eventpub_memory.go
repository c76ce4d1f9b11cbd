package manager

import "sync"

// MemoryPublisher keeps events in memory; the status endpoint and tests read them back.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemoryPublisher keeps at most limit recent events; limit <= 0 keeps all.
func NewMemoryPublisher(limit int) *MemoryPublisher { return &MemoryPublisher{limit: limit} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append([]Event(nil), p.events[len(p.events)-p.limit:]...)
	}
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
