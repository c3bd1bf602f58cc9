package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MemoryBroker is an in-process stand-in for the gateway. Every transport
// connected to the same broker sees the other transports' broadcasts, which
// is enough to run the full caller/player round trip in tests and demo mode.
type MemoryBroker struct {
	mu       sync.Mutex
	nextID   int
	subs     map[string]map[*MemoryChannel]bool
	presence map[string]map[*MemoryChannel]json.RawMessage
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:     make(map[string]map[*MemoryChannel]bool),
		presence: make(map[string]map[*MemoryChannel]json.RawMessage),
	}
}

// Connect returns a new transport attached to this broker.
func (b *MemoryBroker) Connect() *MemoryTransport {
	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("mem-%d", b.nextID)
	b.mu.Unlock()
	return &MemoryTransport{broker: b, clientID: id, connected: true}
}

func (b *MemoryBroker) subscribe(ch *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.subs[ch.topic]
	if !ok {
		members = make(map[*MemoryChannel]bool)
		b.subs[ch.topic] = members
	}
	members[ch] = true
}

func (b *MemoryBroker) unsubscribe(ch *MemoryChannel) {
	b.mu.Lock()
	if members, ok := b.subs[ch.topic]; ok {
		delete(members, ch)
		if len(members) == 0 {
			delete(b.subs, ch.topic)
		}
	}
	tracked, wasTracked := b.presence[ch.topic]
	if wasTracked {
		if _, present := tracked[ch]; present {
			delete(tracked, ch)
			if len(tracked) == 0 {
				delete(b.presence, ch.topic)
			}
		} else {
			wasTracked = false
		}
	}
	b.mu.Unlock()

	if wasTracked {
		b.announcePresence(ch.topic, PresenceLeaveEvent, &Member{ClientID: ch.t.clientID})
	}
}

// deliver fans a message out to every subscriber on the topic except the
// sender. times > 1 simulates transport redelivery.
func (b *MemoryBroker) deliver(sender *MemoryChannel, msg Message, times int) {
	b.mu.Lock()
	targets := make([]*MemoryChannel, 0, len(b.subs[msg.Topic]))
	for ch := range b.subs[msg.Topic] {
		if ch != sender {
			targets = append(targets, ch)
		}
	}
	b.mu.Unlock()

	for i := 0; i < times; i++ {
		for _, ch := range targets {
			ch.dispatchMessage(msg)
		}
	}
}

// Inject delivers a message to all subscribers as if it arrived from the
// network. Test hook.
func (b *MemoryBroker) Inject(msg Message) {
	b.deliver(nil, msg, 1)
}

// FailTopic flips every channel on the topic into channel_error, notifying
// status listeners. Test hook for the heartbeat reconnection path.
func (b *MemoryBroker) FailTopic(topic string) {
	b.mu.Lock()
	targets := make([]*MemoryChannel, 0, len(b.subs[topic]))
	for ch := range b.subs[topic] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		ch.fail(errors.New("simulated channel failure"))
	}
}

func (b *MemoryBroker) track(ch *MemoryChannel, meta json.RawMessage) {
	b.mu.Lock()
	tracked, ok := b.presence[ch.topic]
	if !ok {
		tracked = make(map[*MemoryChannel]json.RawMessage)
		b.presence[ch.topic] = tracked
	}
	tracked[ch] = meta
	b.mu.Unlock()

	b.announcePresence(ch.topic, PresenceJoinEvent, &Member{ClientID: ch.t.clientID, Meta: meta})
}

func (b *MemoryBroker) roster(topic string) []Member {
	b.mu.Lock()
	defer b.mu.Unlock()
	tracked := b.presence[topic]
	members := make([]Member, 0, len(tracked))
	for ch, meta := range tracked {
		members = append(members, Member{ClientID: ch.t.clientID, Meta: meta})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ClientID < members[j].ClientID })
	return members
}

func (b *MemoryBroker) announcePresence(topic, event string, member *Member) {
	ev := PresenceEvent{Event: event, Member: member, Members: b.roster(topic)}

	b.mu.Lock()
	targets := make([]*MemoryChannel, 0, len(b.subs[topic]))
	for ch := range b.subs[topic] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		ch.dispatchPresence(ev)
	}
}

// Presence event names shared with the websocket transport.
const (
	PresenceJoinEvent  = "join"
	PresenceLeaveEvent = "leave"
	PresenceSyncEvent  = "sync"
)

// MemoryTransport is one logical client of the broker.
type MemoryTransport struct {
	broker   *MemoryBroker
	clientID string

	mu        sync.Mutex
	connected bool
	channels  map[*MemoryChannel]bool
	failSends int  // upcoming Sends that should fail
	redeliver bool // deliver every broadcast twice
}

// FailNextSends makes the next n Send calls fail. Test hook.
func (t *MemoryTransport) FailNextSends(n int) {
	t.mu.Lock()
	t.failSends = n
	t.mu.Unlock()
}

// SetRedeliver makes every subsequent broadcast arrive twice at each
// receiver. Test hook for idempotent delivery.
func (t *MemoryTransport) SetRedeliver(v bool) {
	t.mu.Lock()
	t.redeliver = v
	t.mu.Unlock()
}

// DropConnection simulates a lost connection: every channel flips to closed
// and the transport reports disconnected until Reconnect.
func (t *MemoryTransport) DropConnection() {
	t.mu.Lock()
	t.connected = false
	targets := make([]*MemoryChannel, 0, len(t.channels))
	for ch := range t.channels {
		targets = append(targets, ch)
	}
	t.mu.Unlock()

	for _, ch := range targets {
		t.broker.unsubscribe(ch)
		ch.transition(StateClosed, nil)
	}
}

func (t *MemoryTransport) Channel(topic string) Channel {
	ch := &MemoryChannel{t: t, topic: topic, state: StateIdle}
	t.mu.Lock()
	if t.channels == nil {
		t.channels = make(map[*MemoryChannel]bool)
	}
	t.channels[ch] = true
	t.mu.Unlock()
	return ch
}

func (t *MemoryTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MemoryTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Close() error {
	t.DropConnection()
	return nil
}

// MemoryChannel is a broker-backed channel handle.
type MemoryChannel struct {
	t     *MemoryTransport
	topic string

	mu           sync.Mutex
	state        SubscribeState
	onStatus     StatusFunc
	msgHandlers  []func(Message)
	presHandlers []func(PresenceEvent)
}

func (ch *MemoryChannel) Topic() string { return ch.topic }

func (ch *MemoryChannel) State() SubscribeState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *MemoryChannel) Subscribe(ctx context.Context, onStatus StatusFunc) error {
	if !ch.t.Connected() {
		ch.transition(StateChannelError, errors.New("transport disconnected"))
		return errors.New("transport disconnected")
	}
	ch.mu.Lock()
	ch.onStatus = onStatus
	ch.mu.Unlock()

	ch.t.broker.subscribe(ch)
	ch.transition(StateSubscribed, nil)
	return nil
}

func (ch *MemoryChannel) Unsubscribe(ctx context.Context) error {
	ch.t.broker.unsubscribe(ch)
	ch.transition(StateClosed, nil)
	return nil
}

func (ch *MemoryChannel) OnMessage(h func(Message)) {
	ch.mu.Lock()
	ch.msgHandlers = append(ch.msgHandlers, h)
	ch.mu.Unlock()
}

func (ch *MemoryChannel) OnPresence(h func(PresenceEvent)) {
	ch.mu.Lock()
	ch.presHandlers = append(ch.presHandlers, h)
	ch.mu.Unlock()
}

func (ch *MemoryChannel) Send(ctx context.Context, msg Message, waitAck bool) error {
	t := ch.t
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errors.New("transport disconnected")
	}
	if t.failSends > 0 {
		t.failSends--
		t.mu.Unlock()
		return errors.New("simulated send failure")
	}
	times := 1
	if t.redeliver {
		times = 2
	}
	t.mu.Unlock()

	msg.Topic = ch.topic
	t.broker.deliver(ch, msg, times)
	return nil
}

func (ch *MemoryChannel) Track(ctx context.Context, meta json.RawMessage) error {
	if !ch.t.Connected() {
		return errors.New("transport disconnected")
	}
	ch.t.broker.track(ch, meta)
	return nil
}

func (ch *MemoryChannel) transition(state SubscribeState, err error) {
	ch.mu.Lock()
	ch.state = state
	cb := ch.onStatus
	ch.mu.Unlock()
	if cb != nil {
		cb(state, err)
	}
}

func (ch *MemoryChannel) fail(err error) {
	ch.t.broker.unsubscribe(ch)
	ch.transition(StateChannelError, err)
}

func (ch *MemoryChannel) dispatchMessage(msg Message) {
	ch.mu.Lock()
	handlers := append([]func(Message){}, ch.msgHandlers...)
	ch.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (ch *MemoryChannel) dispatchPresence(ev PresenceEvent) {
	ch.mu.Lock()
	handlers := append([]func(PresenceEvent){}, ch.presHandlers...)
	ch.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
