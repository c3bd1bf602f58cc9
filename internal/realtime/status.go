package realtime

import (
	"sync"
	"time"
)

// ConnectionState is the coordinator-wide connection status.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	ConnError    ConnectionState = "error"
)

// StatusBroker holds the process-wide connection status and fans changes
// out to registered listeners. Only the registry and the heartbeat monitor
// write to it.
type StatusBroker struct {
	mu         sync.Mutex
	state      ConnectionState
	lastPingAt time.Time
	listeners  map[int]func(ConnectionState)
	nextID     int
}

func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		state:     Disconnected,
		listeners: make(map[int]func(ConnectionState)),
	}
}

func (b *StatusBroker) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *StatusBroker) LastPing() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPingAt
}

// StampPing records a successful liveness observation.
func (b *StatusBroker) StampPing() {
	b.mu.Lock()
	b.lastPingAt = time.Now()
	b.mu.Unlock()
}

// Set transitions the status and notifies listeners. Setting the current
// state again is a no-op.
func (b *StatusBroker) Set(state ConnectionState) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()
		return
	}
	b.state = state
	listeners := make([]func(ConnectionState), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// OnChange registers a status listener and returns its removal function.
// The removal function is idempotent.
func (b *StatusBroker) OnChange(fn func(ConnectionState)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Stabilizer converts the raw status stream into a flicker-free displayed
// status: recoveries show immediately, degradations only after they have
// persisted for the hold window. It is a pure function of (raw stream,
// time); no timers are involved.
type Stabilizer struct {
	holdFor      time.Duration
	displayed    ConnectionState
	pending      ConnectionState
	pendingSince time.Time
	hasPending   bool
}

func NewStabilizer(holdFor time.Duration) *Stabilizer {
	return &Stabilizer{holdFor: holdFor, displayed: Disconnected}
}

// Observe feeds one raw status sample and returns the status to display.
func (s *Stabilizer) Observe(raw ConnectionState, now time.Time) ConnectionState {
	if raw == s.displayed {
		s.hasPending = false
		return s.displayed
	}

	// Recoveries are shown immediately.
	if raw == Connected {
		s.displayed = Connected
		s.hasPending = false
		return s.displayed
	}

	if !s.hasPending || s.pending != raw {
		s.pending = raw
		s.pendingSince = now
		s.hasPending = true
	}
	if now.Sub(s.pendingSince) >= s.holdFor {
		s.displayed = raw
		s.hasPending = false
	}
	return s.displayed
}

// Displayed returns the current stabilized status without feeding a sample.
func (s *Stabilizer) Displayed() ConnectionState {
	return s.displayed
}
