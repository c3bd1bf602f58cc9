package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bingohall/backend/internal/transport"
)

func newTestRegistry(t *testing.T) (*ChannelRegistry, *Dispatcher, *transport.MemoryBroker, *transport.MemoryTransport) {
	t.Helper()
	broker := transport.NewMemoryBroker()
	tr := broker.Connect()
	dispatcher := NewDispatcher()
	registry := NewChannelRegistry(dispatcher, NewStatusBroker())
	registry.Initialize(tr)
	return registry, dispatcher, broker, tr
}

// waitForState polls until the topic reaches the wanted subscription state.
func waitForState(t *testing.T, r *ChannelRegistry, topic string, want transport.SubscribeState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.ChannelState(topic) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %s (last: %s)", topic, want, r.ChannelState(topic))
}

func TestSubscribeBeforeInitializeIsNoop(t *testing.T) {
	registry := NewChannelRegistry(NewDispatcher(), NewStatusBroker())

	if ch := registry.GetOrCreateChannel("game_updates-s1"); ch != nil {
		t.Error("expected nil handle before Initialize")
	}
	cleanup := registry.Subscribe("game_updates-s1", EventNumberCalled, func(json.RawMessage) {})
	cleanup() // must not panic
	if got := registry.ChannelCount(); got != 0 {
		t.Errorf("ChannelCount = %d, want 0", got)
	}
}

func TestInitializeSecondCallIgnored(t *testing.T) {
	broker := transport.NewMemoryBroker()
	first := broker.Connect()
	registry := NewChannelRegistry(NewDispatcher(), NewStatusBroker())
	registry.Initialize(first)
	registry.Initialize(broker.Connect())

	if registry.Transport() != first {
		t.Error("second Initialize replaced the transport")
	}
}

func TestSubscribeRefCounting(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)
	topic := "game_updates-s1"

	cleanupA := registry.Subscribe(topic, EventNumberCalled, func(json.RawMessage) {})
	cleanupB := registry.Subscribe(topic, EventGameReset, func(json.RawMessage) {})
	waitForState(t, registry, topic, transport.StateSubscribed)

	if got := registry.ChannelCount(); got != 1 {
		t.Fatalf("ChannelCount = %d, want 1 shared handle", got)
	}

	// First release keeps the channel alive.
	cleanupA()
	if got := registry.ChannelState(topic); got != transport.StateSubscribed {
		t.Errorf("state after partial release = %s, want subscribed", got)
	}

	// Last release tears it down.
	cleanupB()
	if got := registry.ChannelCount(); got != 0 {
		t.Errorf("ChannelCount after full release = %d, want 0", got)
	}
	if got := registry.ChannelState(topic); got != transport.StateIdle {
		t.Errorf("state after teardown = %s, want idle", got)
	}
}

func TestSubscribeCleanupIdempotent(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)
	topic := "claims_validation-s1"

	cleanupA := registry.Subscribe(topic, EventClaimResolved, func(json.RawMessage) {})
	cleanupB := registry.Subscribe(topic, EventClaimResolved, func(json.RawMessage) {})
	waitForState(t, registry, topic, transport.StateSubscribed)

	// Double-invoking one cleanup must not steal the other's reference.
	cleanupA()
	cleanupA()
	if got := registry.ChannelCount(); got != 1 {
		t.Errorf("ChannelCount = %d, want 1 while a listener remains", got)
	}
	cleanupB()
	if got := registry.ChannelCount(); got != 0 {
		t.Errorf("ChannelCount = %d, want 0", got)
	}
}

func TestSubscribeRoutesBroadcasts(t *testing.T) {
	registry, _, broker, _ := newTestRegistry(t)
	topic := "game_updates-s1"

	got := make(chan json.RawMessage, 1)
	registry.Subscribe(topic, EventNumberCalled, func(p json.RawMessage) { got <- p })
	waitForState(t, registry, topic, transport.StateSubscribed)

	broker.Inject(transport.Message{
		Topic:       topic,
		Event:       EventNumberCalled,
		BroadcastID: NewBroadcastID(),
		Payload:     json.RawMessage(`{"lastCalledNumber":42}`),
	})

	select {
	case payload := <-got:
		var p NumberCalledPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.LastCalledNumber != 42 {
			t.Errorf("lastCalledNumber = %d, want 42", p.LastCalledNumber)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the listener")
	}
}

func TestDeadChannelRecreatedOnNextSubscribe(t *testing.T) {
	registry, _, broker, _ := newTestRegistry(t)
	topic := "game_updates-s1"

	registry.Subscribe(topic, EventNumberCalled, func(json.RawMessage) {})
	waitForState(t, registry, topic, transport.StateSubscribed)

	broker.FailTopic(topic)
	waitForState(t, registry, topic, transport.StateChannelError)

	// The next listener gets a fresh handle, not the dead one.
	registry.Subscribe(topic, EventGameReset, func(json.RawMessage) {})
	waitForState(t, registry, topic, transport.StateSubscribed)
}

func TestConnectSessionSubscribesBaselineTopics(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	registry.ConnectSession(ctx, "s1")

	if got := registry.ChannelCount(); got != 5 {
		t.Errorf("ChannelCount = %d, want 5 session handles", got)
	}
	for _, topic := range []string{"participants-s1", "game_updates-s1"} {
		if got := registry.ChannelState(topic); got != transport.StateSubscribed {
			t.Errorf("baseline %s state = %s, want subscribed", topic, got)
		}
	}
	// The remaining topics stay lazy until their first listener.
	for _, topic := range []string{"game_details-s1", "claim_sender-s1", "claims_validation-s1"} {
		if got := registry.ChannelState(topic); got != transport.StateIdle {
			t.Errorf("lazy %s state = %s, want idle", topic, got)
		}
	}
}

func TestDisconnectSessionRemovesAllHandles(t *testing.T) {
	registry, _, _, _ := newTestRegistry(t)
	ctx := context.Background()
	registry.ConnectSession(ctx, "s1")
	registry.Subscribe("claims_validation-s1", EventClaimResolved, func(json.RawMessage) {})
	waitForState(t, registry, "claims_validation-s1", transport.StateSubscribed)

	registry.DisconnectSession(ctx, "s1")

	if got := registry.ChannelCount(); got != 0 {
		t.Errorf("ChannelCount after disconnect = %d, want 0", got)
	}
}

func TestDisconnectSessionEmitsEndedNotice(t *testing.T) {
	registry, _, broker, _ := newTestRegistry(t)
	ctx := context.Background()
	registry.ConnectSession(ctx, "s1")

	// A second party on the updates topic observes the ended notice.
	observer := broker.Connect().Channel("game_updates-s1")
	got := make(chan transport.Message, 1)
	observer.OnMessage(func(m transport.Message) { got <- m })
	if err := observer.Subscribe(ctx, nil); err != nil {
		t.Fatalf("observer subscribe: %v", err)
	}

	registry.DisconnectSession(ctx, "s1")

	select {
	case m := <-got:
		if m.Event != EventSessionEnded {
			t.Errorf("observer saw %q, want %q", m.Event, EventSessionEnded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session-ended notice never arrived")
	}
}

func TestResubscribeAllRecoversDeadChannels(t *testing.T) {
	registry, _, _, tr := newTestRegistry(t)
	ctx := context.Background()
	topic := "game_updates-s1"

	registry.Subscribe(topic, EventNumberCalled, func(json.RawMessage) {})
	lazyTopic := "claim_sender-s1"
	registry.GetOrCreateChannel(lazyTopic)
	waitForState(t, registry, topic, transport.StateSubscribed)

	tr.DropConnection()
	waitForState(t, registry, topic, transport.StateClosed)

	if err := tr.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := registry.ResubscribeAll(ctx); err != nil {
		t.Fatalf("ResubscribeAll: %v", err)
	}

	waitForState(t, registry, topic, transport.StateSubscribed)
	// A handle that never subscribed stays lazy through recovery.
	if got := registry.ChannelState(lazyTopic); got == transport.StateSubscribed {
		t.Errorf("lazy channel was eagerly subscribed during recovery")
	}
}

func TestPresenceEventsSynthesized(t *testing.T) {
	registry, _, broker, _ := newTestRegistry(t)
	ctx := context.Background()
	topic := "participants-s1"

	got := make(chan json.RawMessage, 4)
	registry.Subscribe(topic, EventPresenceJoin, func(p json.RawMessage) { got <- p })
	waitForState(t, registry, topic, transport.StateSubscribed)

	// Another client joins and tracks presence on the same topic.
	other := broker.Connect().Channel(topic)
	if err := other.Subscribe(ctx, nil); err != nil {
		t.Fatalf("other subscribe: %v", err)
	}
	if err := other.Track(ctx, json.RawMessage(`{"playerName":"ada"}`)); err != nil {
		t.Fatalf("track: %v", err)
	}

	select {
	case payload := <-got:
		var p PresencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Fatalf("unmarshal presence payload: %v", err)
		}
		if p.SessionID != "s1" {
			t.Errorf("presence sessionID = %q, want s1", p.SessionID)
		}
		if len(p.Members) != 1 {
			t.Errorf("presence roster size = %d, want 1", len(p.Members))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence join never reached the listener")
	}
}
