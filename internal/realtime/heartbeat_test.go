package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bingohall/backend/internal/transport"
)

func TestBackoffDelayDoublesUpToCap(t *testing.T) {
	cfg := HeartbeatConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second}.withDefaults()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{0, 1 * time.Second}, // clamped to the first attempt
	}
	for _, tc := range tests {
		if got := cfg.BackoffDelay(tc.attempt); got != tc.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	cfg := HeartbeatConfig{MaxAttempts: 3}.withDefaults()
	def := DefaultHeartbeatConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("explicit MaxAttempts overwritten: %d", cfg.MaxAttempts)
	}
	if cfg.Interval != def.Interval || cfg.BaseDelay != def.BaseDelay ||
		cfg.MaxDelay != def.MaxDelay || cfg.Cooldown != def.Cooldown {
		t.Errorf("zero fields not defaulted: %+v", cfg)
	}
}

// heartbeatFixture wires a monitor against an in-memory transport with a
// subscribed game-updates channel for session s1.
func heartbeatFixture(t *testing.T, cfg HeartbeatConfig) (*HeartbeatMonitor, *ChannelRegistry, *StatusBroker, *transport.MemoryTransport) {
	t.Helper()
	broker := transport.NewMemoryBroker()
	tr := broker.Connect()
	status := NewStatusBroker()
	registry := NewChannelRegistry(NewDispatcher(), status)
	registry.Initialize(tr)

	registry.Subscribe(Topic(TopicGameUpdates, "s1"), EventNumberCalled, func(json.RawMessage) {})
	waitForState(t, registry, Topic(TopicGameUpdates, "s1"), transport.StateSubscribed)

	monitor := NewHeartbeatMonitor(cfg, registry, status)
	return monitor, registry, status, tr
}

func waitForStatus(t *testing.T, status *StatusBroker, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never reached %s (last: %s)", want, status.State())
}

func TestHeartbeatMarksConnectedWhileSubscribed(t *testing.T) {
	monitor, _, status, _ := heartbeatFixture(t, HeartbeatConfig{
		Interval: 20 * time.Millisecond,
	})
	monitor.Start("s1")
	defer monitor.Stop()

	waitForStatus(t, status, Connected)
	if monitor.LastPing().IsZero() {
		t.Error("LastPing not stamped on a healthy tick")
	}
	if !monitor.IsConnected() {
		t.Error("IsConnected = false while subscribed")
	}
}

func TestHeartbeatReconnectsAfterDrop(t *testing.T) {
	monitor, registry, status, tr := heartbeatFixture(t, HeartbeatConfig{
		Interval:  20 * time.Millisecond,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  40 * time.Millisecond,
	})

	var reconnects int
	done := make(chan struct{}, 1)
	monitor.OnReconnected(func() {
		reconnects++
		select {
		case done <- struct{}{}:
		default:
		}
	})

	monitor.Start("s1")
	defer monitor.Stop()
	waitForStatus(t, status, Connected)

	tr.DropConnection()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect hook never fired after the drop")
	}
	waitForStatus(t, status, Connected)
	waitForState(t, registry, Topic(TopicGameUpdates, "s1"), transport.StateSubscribed)
	if reconnects < 1 {
		t.Errorf("reconnect count = %d, want at least 1", reconnects)
	}
}

func TestSetOnlineOfflineForcesDisconnected(t *testing.T) {
	monitor, _, status, _ := heartbeatFixture(t, HeartbeatConfig{
		Interval: 20 * time.Millisecond,
	})
	monitor.Start("s1")
	defer monitor.Stop()
	waitForStatus(t, status, Connected)

	monitor.SetOnline(false)
	if got := monitor.ConnectionState(); got != Disconnected {
		t.Errorf("state after offline signal = %s, want disconnected", got)
	}

	// Ticks while offline must not flip the status back.
	time.Sleep(100 * time.Millisecond)
	if got := monitor.ConnectionState(); got != Disconnected {
		t.Errorf("state drifted to %s while offline", got)
	}

	monitor.SetOnline(true)
	waitForStatus(t, status, Connected)
}

func TestForceReconnectBypassesCooldown(t *testing.T) {
	monitor, _, status, tr := heartbeatFixture(t, HeartbeatConfig{
		Interval:  20 * time.Millisecond,
		BaseDelay: 10 * time.Millisecond,
		Cooldown:  time.Hour, // would block the automatic path
	})
	monitor.Start("s1")
	defer monitor.Stop()
	waitForStatus(t, status, Connected)

	tr.DropConnection()
	// Simulate a failed sequence having just ended.
	monitor.mu.Lock()
	monitor.lastAttempt = time.Now()
	monitor.mu.Unlock()
	status.Set(Disconnected)

	monitor.ForceReconnect()
	waitForStatus(t, status, Connected)
}

func TestHeartbeatStopHaltsTicks(t *testing.T) {
	monitor, _, status, tr := heartbeatFixture(t, HeartbeatConfig{
		Interval: 20 * time.Millisecond,
	})
	monitor.Start("s1")
	waitForStatus(t, status, Connected)
	monitor.Stop()

	tr.DropConnection()
	time.Sleep(100 * time.Millisecond)
	// No tick ran, so nothing observed the drop.
	if got := status.State(); got != Connected {
		t.Errorf("stopped monitor still changed status to %s", got)
	}
}
