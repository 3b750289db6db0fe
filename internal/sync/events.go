// Package sync holds the hub's state synchronization core: the event
// publisher, the session and machine caches with their versioned-update
// logic, the per-session message log, and the engine façade that the
// transport and HTTP layers call.
package sync

import (
	"sync"

	"agent-relay/internal/model"
)

// Listener receives events with the namespace already resolved.
type Listener func(ev model.SyncEvent)

// Publisher is the in-process pub/sub fan-out. Emit resolves the event's
// namespace (explicit field wins, else the resolver looks it up from the
// referenced session or machine) and delivers to every subscriber. An event
// whose namespace cannot be resolved is dropped: clients reconcile via
// explicit fetch, so a lost notification is never an error.
type Publisher struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
	resolver  func(ev model.SyncEvent) (string, bool)

	// dispatchMu guards the queue; delivery is serialized through a single
	// drainer so a given subscriber observes events in emission order. The
	// lock is released while listeners run, so a listener may Emit again
	// without deadlocking: the nested event queues behind the current one.
	dispatchMu  sync.Mutex
	queue       []model.SyncEvent
	dispatching bool
}

func NewPublisher() *Publisher {
	return &Publisher{listeners: make(map[int]Listener)}
}

// SetResolver wires the namespace lookup; the engine installs one backed by
// the caches after they are constructed.
func (p *Publisher) SetResolver(fn func(ev model.SyncEvent) (string, bool)) {
	p.mu.Lock()
	p.resolver = fn
	p.mu.Unlock()
}

// Subscribe registers a listener and returns its unsubscribe function.
func (p *Publisher) Subscribe(fn Listener) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Publisher) Emit(ev model.SyncEvent) {
	p.mu.Lock()
	resolver := p.resolver
	p.mu.Unlock()

	if ev.Namespace == "" {
		if resolver == nil {
			return
		}
		ns, ok := resolver(ev)
		if !ok {
			return
		}
		ev.Namespace = ns
	}

	p.dispatchMu.Lock()
	p.queue = append(p.queue, ev)
	if p.dispatching {
		p.dispatchMu.Unlock()
		return
	}
	p.dispatching = true
	for len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.dispatchMu.Unlock()

		p.mu.Lock()
		listeners := make([]Listener, 0, len(p.listeners))
		for _, fn := range p.listeners {
			listeners = append(listeners, fn)
		}
		p.mu.Unlock()
		for _, fn := range listeners {
			fn(next)
		}

		p.dispatchMu.Lock()
	}
	p.dispatching = false
	p.dispatchMu.Unlock()
}
