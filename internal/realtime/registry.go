package realtime

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bingohall/backend/internal/transport"
)

const subscribeTimeout = 10 * time.Second

type channelEntry struct {
	handle          transport.Channel
	refs            int
	handlerAttached bool
	subscribeIssued bool // underlying subscribe already in flight or done
	sessionHeld     bool // baseline channel held open by ConnectSession
}

// ChannelRegistry owns every live channel handle of a coordinator. Handles
// are reference-counted: the first listener triggers the underlying
// subscribe, the last removal tears the channel down. A handle found in a
// dead state is discarded and recreated on the next use.
//
// Failures never propagate to callers as errors; they are logged and the
// caller receives a nil handle or a no-op cleanup. A broken channel must
// not crash a console mid-game.
type ChannelRegistry struct {
	mu         sync.Mutex
	tr         transport.Transport
	dispatcher *Dispatcher
	status     *StatusBroker
	channels   map[string]*channelEntry
}

func NewChannelRegistry(dispatcher *Dispatcher, status *StatusBroker) *ChannelRegistry {
	return &ChannelRegistry{
		dispatcher: dispatcher,
		status:     status,
		channels:   make(map[string]*channelEntry),
	}
}

// Initialize binds the transport once. A second call logs and is a no-op.
func (r *ChannelRegistry) Initialize(tr transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tr != nil {
		log.Printf("realtime: registry already initialized, ignoring")
		return
	}
	r.tr = tr
}

func (r *ChannelRegistry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tr != nil
}

// GetOrCreateChannel returns a live handle for the topic, creating one if
// needed. Returns nil when the transport is not initialized.
func (r *ChannelRegistry) GetOrCreateChannel(topic string) transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.ensureEntryLocked(topic)
	if entry == nil {
		return nil
	}
	return entry.handle
}

// ensureEntryLocked returns the entry for a topic, replacing a dead handle
// with a fresh one. Caller holds r.mu.
func (r *ChannelRegistry) ensureEntryLocked(topic string) *channelEntry {
	if r.tr == nil {
		log.Printf("realtime: transport not initialized, cannot create channel %s", topic)
		return nil
	}
	entry, ok := r.channels[topic]
	if ok && !entry.handle.State().Dead() {
		if !entry.handlerAttached {
			r.attachHandlersLocked(topic, entry)
		}
		return entry
	}
	if ok {
		// Dead handle: keep refs, replace the transport channel.
		entry.handle = r.tr.Channel(topic)
		entry.handlerAttached = false
		entry.subscribeIssued = false
	} else {
		entry = &channelEntry{handle: r.tr.Channel(topic)}
		r.channels[topic] = entry
	}
	r.attachHandlersLocked(topic, entry)
	return entry
}

// attachHandlersLocked wires the transport-level handlers exactly once per
// handle, no matter how many logical listeners come later. Caller holds
// r.mu.
func (r *ChannelRegistry) attachHandlersLocked(topic string, entry *channelEntry) {
	handle := entry.handle
	handle.OnMessage(func(msg transport.Message) {
		r.dispatcher.Dispatch(topic, msg.Event, msg.BroadcastID, msg.Payload)
	})
	handle.OnPresence(func(ev transport.PresenceEvent) {
		r.dispatchPresence(topic, ev)
	})
	entry.handlerAttached = true
}

func (r *ChannelRegistry) dispatchPresence(topic string, ev transport.PresenceEvent) {
	sessionID := topic
	if i := strings.Index(topic, "-"); i >= 0 {
		sessionID = topic[i+1:]
	}
	payload := PresencePayload{
		SessionID: sessionID,
		Members:   make([]string, 0, len(ev.Members)),
		Timestamp: Timestamp(),
	}
	if ev.Member != nil {
		payload.ClientID = ev.Member.ClientID
	}
	for _, m := range ev.Members {
		payload.Members = append(payload.Members, m.ClientID)
	}
	data, ok := marshalPayload(payload)
	if !ok {
		return
	}

	event := EventPresenceSync
	switch ev.Event {
	case transport.PresenceJoinEvent:
		event = EventPresenceJoin
	case transport.PresenceLeaveEvent:
		event = EventPresenceLeave
	}
	// Presence carries no broadcast id; duplicates are harmless roster
	// replacements.
	r.dispatcher.Dispatch(topic, event, "", data)
}

// Subscribe registers a listener for (topic, event) and returns its removal
// function. The underlying channel subscribes on the first reference and
// unsubscribes when the last reference is released. On failure the returned
// cleanup is a no-op.
func (r *ChannelRegistry) Subscribe(topic, event string, fn ListenerFunc) func() {
	r.mu.Lock()
	entry := r.ensureEntryLocked(topic)
	if entry == nil {
		r.mu.Unlock()
		return func() {}
	}
	entry.refs++
	issue := !entry.subscribeIssued
	entry.subscribeIssued = true
	handle := entry.handle
	id := r.dispatcher.Add(topic, event, fn)
	r.mu.Unlock()

	if issue {
		r.subscribeHandle(topic, handle)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.dispatcher.Remove(topic, event, id)
			r.releaseRef(topic)
		})
	}
}

// subscribeHandle issues the underlying subscribe without blocking the
// caller. Status transitions feed the shared status broker.
func (r *ChannelRegistry) subscribeHandle(topic string, handle transport.Channel) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()
		if err := handle.Subscribe(ctx, r.statusCallback(topic)); err != nil {
			log.Printf("realtime: subscribe %s failed: %v", topic, err)
		}
	}()
}

func (r *ChannelRegistry) statusCallback(topic string) transport.StatusFunc {
	return func(state transport.SubscribeState, err error) {
		switch state {
		case transport.StateSubscribed:
			r.status.Set(Connected)
			r.status.StampPing()
		case transport.StateChannelError, transport.StateTimedOut:
			if err != nil {
				log.Printf("realtime: channel %s: %s: %v", topic, state, err)
			}
			r.status.Set(ConnError)
		}
	}
}

func (r *ChannelRegistry) releaseRef(topic string) {
	r.mu.Lock()
	entry, ok := r.channels[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	if entry.refs > 0 {
		entry.refs--
	}
	remove := entry.refs == 0 && !entry.sessionHeld
	if remove {
		delete(r.channels, topic)
	}
	handle := entry.handle
	r.mu.Unlock()

	if remove {
		r.dispatcher.DropTopic(topic)
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()
		if err := handle.Unsubscribe(ctx); err != nil {
			log.Printf("realtime: unsubscribe %s failed: %v", topic, err)
		}
	}
}

// ChannelState reports the subscription state of a topic, or idle when no
// handle exists.
func (r *ChannelRegistry) ChannelState(topic string) transport.SubscribeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.channels[topic]; ok {
		return entry.handle.State()
	}
	return transport.StateIdle
}

// ChannelCount returns the number of live handles.
func (r *ChannelRegistry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// ConnectSession creates handles for the five canonical per-session topics
// and proactively subscribes the baseline ones (participants and game
// updates); the rest subscribe lazily with their first listener.
func (r *ChannelRegistry) ConnectSession(ctx context.Context, sessionID string) {
	for _, topic := range SessionTopics(sessionID) {
		r.mu.Lock()
		entry := r.ensureEntryLocked(topic)
		r.mu.Unlock()
		if entry == nil {
			return
		}
	}

	baseline := []string{
		Topic(TopicParticipants, sessionID),
		Topic(TopicGameUpdates, sessionID),
	}
	for _, topic := range baseline {
		r.mu.Lock()
		entry := r.ensureEntryLocked(topic)
		if entry == nil {
			r.mu.Unlock()
			continue
		}
		entry.sessionHeld = true
		issue := !entry.subscribeIssued
		entry.subscribeIssued = true
		handle := entry.handle
		r.mu.Unlock()

		if issue {
			if err := handle.Subscribe(ctx, r.statusCallback(topic)); err != nil {
				log.Printf("realtime: baseline subscribe %s failed: %v", topic, err)
			}
		}
	}
}

// DisconnectSession broadcasts a best-effort session-ended notice, then
// force-removes all five per-session channels regardless of reference
// count and resets the status to disconnected. Channels created for the
// session afterwards start fresh.
func (r *ChannelRegistry) DisconnectSession(ctx context.Context, sessionID string) {
	notice := transport.Message{
		Event:       EventSessionEnded,
		BroadcastID: NewBroadcastID(),
	}
	if data, ok := marshalPayload(SessionEndedPayload{SessionID: sessionID, Timestamp: Timestamp()}); ok {
		notice.Payload = data
	}

	updatesTopic := Topic(TopicGameUpdates, sessionID)
	r.mu.Lock()
	var noticeHandle transport.Channel
	if entry, ok := r.channels[updatesTopic]; ok && !entry.handle.State().Dead() {
		noticeHandle = entry.handle
	}
	r.mu.Unlock()

	if noticeHandle != nil {
		if err := noticeHandle.Send(ctx, notice, false); err != nil {
			log.Printf("realtime: session-ended notice failed: %v", err)
		}
	}

	for _, topic := range SessionTopics(sessionID) {
		r.mu.Lock()
		entry, ok := r.channels[topic]
		if ok {
			delete(r.channels, topic)
		}
		r.mu.Unlock()
		if !ok {
			continue
		}
		r.dispatcher.DropTopic(topic)
		if err := entry.handle.Unsubscribe(ctx); err != nil {
			log.Printf("realtime: teardown unsubscribe %s failed: %v", topic, err)
		}
	}

	r.status.Set(Disconnected)
}

// ResubscribeAll recreates and resubscribes every dead channel, keeping the
// registered listeners. Used by the reconnection path after the transport
// comes back.
func (r *ChannelRegistry) ResubscribeAll(ctx context.Context) error {
	r.mu.Lock()
	type job struct {
		topic  string
		handle transport.Channel
	}
	var jobs []job
	for topic, entry := range r.channels {
		// Only channels that were live before the loss come back; lazy
		// handles stay lazy.
		if !entry.subscribeIssued {
			continue
		}
		state := entry.handle.State()
		if !state.Dead() && state != transport.StateIdle {
			continue
		}
		if state.Dead() {
			entry.handle = r.tr.Channel(topic)
			entry.handlerAttached = false
			r.attachHandlersLocked(topic, entry)
		}
		jobs = append(jobs, job{topic: topic, handle: entry.handle})
	}
	r.mu.Unlock()

	var firstErr error
	for _, j := range jobs {
		if err := j.handle.Subscribe(ctx, r.statusCallback(j.topic)); err != nil {
			log.Printf("realtime: resubscribe %s failed: %v", j.topic, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("resubscribe %s: %w", j.topic, err)
			}
		}
	}
	return firstErr
}

// Transport returns the bound transport, or nil before Initialize.
func (r *ChannelRegistry) Transport() transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tr
}
