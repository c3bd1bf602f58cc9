package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bingohall/backend/internal/transport"
)

// HeartbeatConfig tunes the liveness check and reconnection behaviour.
type HeartbeatConfig struct {
	Interval    time.Duration // tick period of the liveness check
	MaxAttempts int           // reconnect attempts per sequence
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // backoff cap
	Cooldown    time.Duration // wait between failed sequences
}

// DefaultHeartbeatConfig matches the order-of-seconds tuning the consoles
// expect: 1s→30s backoff over at most 10 attempts.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    5 * time.Second,
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Cooldown:    15 * time.Second,
	}
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	def := DefaultHeartbeatConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	return c
}

// BackoffDelay returns the delay before the given attempt (1-based):
// BaseDelay doubling per attempt, capped at MaxDelay.
func (c HeartbeatConfig) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// HeartbeatMonitor polls the canonical channel of the active session and
// drives bounded-retry reconnection when the connection drops. External
// connectivity signals (network up or down) feed the same state machine.
type HeartbeatMonitor struct {
	cfg      HeartbeatConfig
	registry *ChannelRegistry
	status   *StatusBroker

	mu          sync.Mutex
	sessionID   string
	retrying    bool
	lastAttempt time.Time // end of the last failed sequence, for cooldown
	offline     bool
	stop        chan struct{}
	onReconnect []func()
}

func NewHeartbeatMonitor(cfg HeartbeatConfig, registry *ChannelRegistry, status *StatusBroker) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		cfg:      cfg.withDefaults(),
		registry: registry,
		status:   status,
	}
}

// OnReconnected registers a hook invoked after each successful reconnect,
// before the status flips back to connected is observable by listeners.
func (m *HeartbeatMonitor) OnReconnected(fn func()) {
	m.mu.Lock()
	m.onReconnect = append(m.onReconnect, fn)
	m.mu.Unlock()
}

// Start begins monitoring the session. A second Start replaces the previous
// session.
func (m *HeartbeatMonitor) Start(sessionID string) {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
	}
	m.sessionID = sessionID
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	go m.run(stop)
}

// Stop halts monitoring and clears retry state.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.sessionID = ""
	m.mu.Unlock()
}

func (m *HeartbeatMonitor) run(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick(stop)
		}
	}
}

// tick performs one liveness check against the canonical game-updates
// channel of the session.
func (m *HeartbeatMonitor) tick(stop chan struct{}) {
	m.mu.Lock()
	sessionID := m.sessionID
	offline := m.offline
	retrying := m.retrying
	m.mu.Unlock()
	if sessionID == "" || offline {
		return
	}

	topic := Topic(TopicGameUpdates, sessionID)
	state := m.registry.ChannelState(topic)

	if state == transport.StateSubscribed {
		if m.status.State() != Connected {
			m.resetRetries()
			m.status.Set(Connected)
		}
		m.status.StampPing()
		return
	}

	if m.status.State() == Connected {
		m.status.Set(Disconnected)
	}
	if !retrying && !m.inCooldown() {
		m.beginReconnect(stop, false)
	}
}

// IsConnected reports whether the coordinator currently sees a live
// connection.
func (m *HeartbeatMonitor) IsConnected() bool {
	return m.status.State() == Connected
}

// ConnectionState returns the current status.
func (m *HeartbeatMonitor) ConnectionState() ConnectionState {
	return m.status.State()
}

// LastPing returns the time of the last successful liveness observation.
func (m *HeartbeatMonitor) LastPing() time.Time {
	return m.status.LastPing()
}

// ForceReconnect starts a reconnection sequence immediately, bypassing the
// cooldown window.
func (m *HeartbeatMonitor) ForceReconnect() {
	m.mu.Lock()
	stop := m.stop
	retrying := m.retrying
	m.mu.Unlock()
	if stop == nil || retrying {
		return
	}
	m.beginReconnect(stop, true)
}

// Reset clears all retry state.
func (m *HeartbeatMonitor) Reset() {
	m.mu.Lock()
	m.retrying = false
	m.lastAttempt = time.Time{}
	m.mu.Unlock()
}

// SetOnline feeds a connectivity signal: offline forces disconnected
// immediately; online flips to connecting and reconnects right away.
func (m *HeartbeatMonitor) SetOnline(online bool) {
	m.mu.Lock()
	m.offline = !online
	stop := m.stop
	retrying := m.retrying
	m.mu.Unlock()

	if !online {
		m.status.Set(Disconnected)
		return
	}
	m.status.Set(Connecting)
	if stop != nil && !retrying {
		m.beginReconnect(stop, true)
	}
}

func (m *HeartbeatMonitor) resetRetries() {
	m.mu.Lock()
	m.retrying = false
	m.lastAttempt = time.Time{}
	m.mu.Unlock()
}

func (m *HeartbeatMonitor) inCooldown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.lastAttempt.IsZero() && time.Since(m.lastAttempt) < m.cfg.Cooldown
}

func (m *HeartbeatMonitor) beginReconnect(stop chan struct{}, force bool) {
	m.mu.Lock()
	if m.retrying {
		m.mu.Unlock()
		return
	}
	m.retrying = true
	m.mu.Unlock()

	go m.reconnectLoop(stop, force)
}

func (m *HeartbeatMonitor) reconnectLoop(stop chan struct{}, force bool) {
	tr := m.registry.Transport()
	if tr == nil {
		m.resetRetries()
		return
	}

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		delay := m.cfg.BackoffDelay(attempt)
		if force && attempt == 1 {
			delay = 0
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-stop:
				timer.Stop()
				m.resetRetries()
				return
			case <-timer.C:
			}
		}

		m.mu.Lock()
		offline := m.offline
		m.mu.Unlock()
		if offline {
			m.resetRetries()
			return
		}

		m.status.Set(Connecting)
		log.Printf("realtime: reconnect attempt %d/%d", attempt, m.cfg.MaxAttempts)

		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		err := tr.Reconnect(ctx)
		if err == nil {
			err = m.registry.ResubscribeAll(ctx)
		}
		cancel()

		if err == nil {
			m.resetRetries()
			m.status.StampPing()
			m.status.Set(Connected)
			m.mu.Lock()
			hooks := append([]func(){}, m.onReconnect...)
			m.mu.Unlock()
			for _, fn := range hooks {
				fn()
			}
			return
		}
		log.Printf("realtime: reconnect attempt %d failed: %v", attempt, err)
	}

	log.Printf("realtime: reconnect giving up after %d attempts, cooling down", m.cfg.MaxAttempts)
	m.mu.Lock()
	m.retrying = false
	m.lastAttempt = time.Now()
	m.mu.Unlock()
	m.status.Set(ConnError)
}
