// Package connectivity tracks whether the remote store is reachable and
// reports offline to online transitions exactly once.
package connectivity

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// State is the last observed connectivity
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Event is published to subscribers on every state change
type Event int

const (
	EventOnline Event = iota + 1
	EventOffline
	// EventReconnected follows EventOnline when the previous state was offline
	EventReconnected
)

func (e Event) String() string {
	switch e {
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Source reports the platform's view of network reachability
type Source interface {
	IsOnline(ctx context.Context) bool
	// Watch delivers connectivity changes until ctx is done, then closes
	// the channel.
	Watch(ctx context.Context) <-chan bool
}

const subscriberBuffer = 16

// Monitor wraps a Source with a two-state machine. The offline to online
// edge sets a latch that TakeReconnected consumes exactly once.
type Monitor struct {
	source Source
	logger *log.Logger

	mu      sync.Mutex
	state   State
	subs    map[int]chan Event
	nextSub int

	reconnected atomic.Bool
	// watching counts running Run/Start loops that keep state current
	watching atomic.Int32
}

// NewMonitor creates a monitor over source. logger may be nil.
func NewMonitor(source Source, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		source: source,
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Source returns the underlying connectivity source
func (m *Monitor) Source() Source {
	return m.source
}

// IsOnline reports reachability. While Run or Start follows the source the
// last observed state is answered without probing; otherwise, or while the
// state is still unknown, the source is asked and the answer recorded.
func (m *Monitor) IsOnline(ctx context.Context) bool {
	if m.watching.Load() > 0 {
		switch m.State() {
		case StateOnline:
			return true
		case StateOffline:
			return false
		}
	}
	online := m.source.IsOnline(ctx)
	m.Observe(online)
	return online
}

// State returns the last observed state without probing the source
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe feeds one observation into the state machine
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	switch {
	case online && prev != StateOnline:
		m.state = StateOnline
		m.logger.Printf("connectivity: %s -> online", prev)
		m.publishLocked(EventOnline)
		if prev == StateOffline {
			m.reconnected.Store(true)
			m.publishLocked(EventReconnected)
		}
	case !online && prev != StateOffline:
		m.state = StateOffline
		m.logger.Printf("connectivity: %s -> offline", prev)
		m.publishLocked(EventOffline)
	}
}

// TakeReconnected reports whether an offline to online transition happened
// since the last call, and clears it. Concurrent callers see true at most
// once per transition.
func (m *Monitor) TakeReconnected() bool {
	return m.reconnected.CompareAndSwap(true, false)
}

// Subscribe returns a channel of state change events. Events are dropped for
// a subscriber whose buffer is full. cancel releases the subscription.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (m *Monitor) publishLocked(ev Event) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Printf("connectivity: subscriber buffer full, dropping %s", ev)
		}
	}
}

// Run probes the source once and then follows its change notifications
// until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	return m.follow(ctx, m.watch(ctx))
}

// Start is Run in the background. The source is watched and probed before
// Start returns; the returned channel is closed when ctx is done.
func (m *Monitor) Start(ctx context.Context) <-chan struct{} {
	changes := m.watch(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.follow(ctx, changes)
	}()
	return done
}

func (m *Monitor) watch(ctx context.Context) <-chan bool {
	changes := m.source.Watch(ctx)
	m.Observe(m.source.IsOnline(ctx))
	m.watching.Add(1)
	return changes
}

func (m *Monitor) follow(ctx context.Context, changes <-chan bool) error {
	defer m.watching.Add(-1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			m.Observe(online)
		}
	}
}
