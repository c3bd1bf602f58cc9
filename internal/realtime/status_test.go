package realtime

import (
	"testing"
	"time"
)

func TestStatusBrokerNotifiesOnTransition(t *testing.T) {
	b := NewStatusBroker()
	var got []ConnectionState
	b.OnChange(func(s ConnectionState) { got = append(got, s) })

	b.Set(Connecting)
	b.Set(Connected)

	if len(got) != 2 || got[0] != Connecting || got[1] != Connected {
		t.Errorf("listener saw %v, want [connecting connected]", got)
	}
}

func TestStatusBrokerSameStateIsNoop(t *testing.T) {
	b := NewStatusBroker()
	var calls int
	b.OnChange(func(ConnectionState) { calls++ })

	b.Set(Connected)
	b.Set(Connected)
	b.Set(Connected)

	if calls != 1 {
		t.Errorf("listener invoked %d times for repeated state, want 1", calls)
	}
}

func TestStatusBrokerRemovalIsIdempotent(t *testing.T) {
	b := NewStatusBroker()
	var calls int
	remove := b.OnChange(func(ConnectionState) { calls++ })
	remove()
	remove()

	b.Set(Connected)
	if calls != 0 {
		t.Errorf("removed listener invoked %d times, want 0", calls)
	}
}

func TestStampPingAdvancesLastPing(t *testing.T) {
	b := NewStatusBroker()
	if !b.LastPing().IsZero() {
		t.Fatal("LastPing should start zero")
	}
	b.StampPing()
	if b.LastPing().IsZero() {
		t.Error("LastPing not recorded")
	}
}

func TestStabilizerRecoveryImmediate(t *testing.T) {
	s := NewStabilizer(2 * time.Second)
	now := time.Now()

	if got := s.Observe(Connected, now); got != Connected {
		t.Errorf("recovery displayed %q, want connected", got)
	}
}

func TestStabilizerHoldsDegradation(t *testing.T) {
	s := NewStabilizer(2 * time.Second)
	now := time.Now()
	s.Observe(Connected, now)

	// A blip shorter than the hold window never shows.
	if got := s.Observe(Disconnected, now.Add(100*time.Millisecond)); got != Connected {
		t.Errorf("displayed %q during blip, want connected", got)
	}
	if got := s.Observe(Connected, now.Add(200*time.Millisecond)); got != Connected {
		t.Errorf("displayed %q after blip recovered, want connected", got)
	}

	// A persistent outage shows once the window elapses.
	s.Observe(Disconnected, now.Add(1*time.Second))
	if got := s.Observe(Disconnected, now.Add(3100*time.Millisecond)); got != Disconnected {
		t.Errorf("displayed %q after sustained outage, want disconnected", got)
	}
}

func TestStabilizerPendingResetsOnDifferentDegradation(t *testing.T) {
	s := NewStabilizer(2 * time.Second)
	now := time.Now()
	s.Observe(Connected, now)

	// Switching pending target restarts the hold window.
	s.Observe(Disconnected, now.Add(1*time.Second))
	s.Observe(ConnError, now.Add(2*time.Second))
	if got := s.Observe(ConnError, now.Add(3500*time.Millisecond)); got != Connected {
		t.Errorf("displayed %q before new window elapsed, want connected", got)
	}
	if got := s.Observe(ConnError, now.Add(4100*time.Millisecond)); got != ConnError {
		t.Errorf("displayed %q after new window elapsed, want error", got)
	}
}
