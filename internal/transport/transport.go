// Package transport defines the named-channel publish/subscribe primitive
// the realtime coordinator is built on, with a websocket implementation
// speaking the gateway protocol and an in-process implementation for tests
// and demo mode.
package transport

import (
	"context"
	"encoding/json"
)

// SubscribeState mirrors the subscription lifecycle reported by the
// underlying channel.
type SubscribeState string

const (
	StateIdle         SubscribeState = "idle"
	StateSubscribing  SubscribeState = "subscribing"
	StateSubscribed   SubscribeState = "subscribed"
	StateClosed       SubscribeState = "closed"
	StateChannelError SubscribeState = "channel_error"
	StateTimedOut     SubscribeState = "timed_out"
)

// Live reports whether the channel is usable or on its way to being usable.
func (s SubscribeState) Live() bool {
	return s == StateSubscribing || s == StateSubscribed
}

// Dead reports whether the channel must be discarded and recreated.
func (s SubscribeState) Dead() bool {
	return s == StateClosed || s == StateChannelError || s == StateTimedOut
}

// Message is one broadcast crossing a channel, inbound or outbound.
type Message struct {
	Topic       string
	Event       string
	BroadcastID string
	Payload     json.RawMessage
}

// Member is one tracked participant on a channel.
type Member struct {
	ClientID string
	Meta     json.RawMessage
}

// PresenceEvent reports a join, leave or sync on a channel. Members always
// carries the full roster.
type PresenceEvent struct {
	Event   string // "join", "leave", "sync"
	Member  *Member
	Members []Member
}

// StatusFunc receives subscription state transitions. err is non-nil only
// for StateChannelError and StateTimedOut.
type StatusFunc func(state SubscribeState, err error)

// Channel is a live handle on one named topic.
type Channel interface {
	Topic() string
	State() SubscribeState

	// Subscribe opens the channel. onStatus is invoked for every state
	// transition, including ones after the initial subscribe completes.
	Subscribe(ctx context.Context, onStatus StatusFunc) error
	Unsubscribe(ctx context.Context) error

	// OnMessage adds an inbound broadcast handler. Handlers accumulate;
	// dedup of logical listeners is the dispatcher's concern.
	OnMessage(h func(Message))
	OnPresence(h func(PresenceEvent))

	// Send publishes a broadcast. With waitAck it blocks until the
	// transport acknowledges delivery or ctx expires.
	Send(ctx context.Context, msg Message, waitAck bool) error

	// Track registers presence meta for this client on the channel.
	Track(ctx context.Context, meta json.RawMessage) error
}

// Transport hands out channel handles. Each Channel call returns a fresh
// handle; reuse and reference counting belong to the registry above it.
type Transport interface {
	Channel(topic string) Channel
	Connected() bool

	// Reconnect re-establishes the underlying connection after a detected
	// loss. Existing channel handles become dead and must be recreated.
	Reconnect(ctx context.Context) error

	Close() error
}
