package events

import (
	"context"
	"sync"

	"github.com/pitabwire/leadflow/model"
)

// MemoryPublisher keeps published events in memory. It backs the memory
// events driver.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []model.Event
	limit  int
}

// NewMemoryPublisher creates a publisher retaining at most limit events;
// zero keeps everything.
func NewMemoryPublisher(limit int) *MemoryPublisher {
	return &MemoryPublisher{limit: limit}
}

func (p *MemoryPublisher) Publish(_ context.Context, evt model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = p.events[len(p.events)-p.limit:]
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (p *MemoryPublisher) Events() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *MemoryPublisher) HealthCheck(context.Context) error { return nil }
