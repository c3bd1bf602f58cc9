package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bingohall/backend/internal/hub"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	ackTimeout   = 5 * time.Second
)

var errAckTimeout = errors.New("ack timeout")

// WS is the gateway-backed transport: one websocket connection multiplexing
// every channel the coordinator opens.
type WS struct {
	url   string
	token string

	mu         sync.Mutex
	writeMu    sync.Mutex // serialises all conn writes (frames, pings)
	conn       *websocket.Conn
	connected  bool
	seq        uint64
	pending    map[uint64]chan hub.Frame
	channels   map[string]map[*wsChannel]bool
	pingCancel context.CancelFunc
}

// DialWS connects to the gateway's /realtime endpoint.
func DialWS(ctx context.Context, gatewayURL, token string) (*WS, error) {
	t := &WS{
		url:      gatewayURL,
		token:    token,
		pending:  make(map[uint64]chan hub.Frame),
		channels: make(map[string]map[*wsChannel]bool),
	}
	if err := t.dial(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *WS) dial(ctx context.Context) error {
	target := t.url
	if t.token != "" {
		parsed, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("parse gateway url: %w", err)
		}
		q := parsed.Query()
		q.Set("token", t.token)
		parsed.RawQuery = q.Encode()
		target = parsed.String()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	t.mu.Lock()
	if t.pingCancel != nil {
		t.pingCancel()
	}
	pingCtx, pingCancel := context.WithCancel(context.Background())
	t.conn = conn
	t.connected = true
	t.pingCancel = pingCancel
	t.mu.Unlock()

	go t.pingLoop(pingCtx, conn)
	go t.readLoop(conn)
	return nil
}

// pingLoop keeps the gateway connection alive. Exits when the context is
// cancelled or the connection changes.
func (t *WS) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			current := t.conn
			t.mu.Unlock()
			if current != conn {
				return
			}
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WS) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}

		var frame hub.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		t.route(frame)
	}
}

func (t *WS) route(frame hub.Frame) {
	switch frame.Type {
	case hub.FrameSubscribed, hub.FrameAck, hub.FrameError:
		if frame.Ref == 0 {
			return
		}
		t.mu.Lock()
		ch, ok := t.pending[frame.Ref]
		if ok {
			delete(t.pending, frame.Ref)
		}
		t.mu.Unlock()
		if ok {
			ch <- frame
		}
	case hub.FrameBroadcast:
		for _, ch := range t.channelsFor(frame.Topic) {
			ch.dispatchMessage(Message{
				Topic:       frame.Topic,
				Event:       frame.Event,
				BroadcastID: frame.BroadcastID,
				Payload:     frame.Payload,
			})
		}
	case hub.FramePresence:
		var payload hub.PresencePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		ev := PresenceEvent{Event: payload.Event, Members: make([]Member, 0, len(payload.Members))}
		if payload.Member != nil {
			ev.Member = &Member{ClientID: payload.Member.ClientID, Meta: payload.Member.Meta}
		}
		for _, m := range payload.Members {
			ev.Members = append(ev.Members, Member{ClientID: m.ClientID, Meta: m.Meta})
		}
		for _, ch := range t.channelsFor(frame.Topic) {
			ch.dispatchPresence(ev)
		}
	}
}

func (t *WS) channelsFor(topic string) []*wsChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*wsChannel, 0, len(t.channels[topic]))
	for ch := range t.channels[topic] {
		out = append(out, ch)
	}
	return out
}

// handleDisconnect marks the transport down and flips every channel handle
// to closed so their status listeners (and the heartbeat above them) see
// the loss.
func (t *WS) handleDisconnect(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connected = false
	if t.pingCancel != nil {
		t.pingCancel()
		t.pingCancel = nil
	}
	var all []*wsChannel
	for _, chans := range t.channels {
		for ch := range chans {
			all = append(all, ch)
		}
	}
	t.channels = make(map[string]map[*wsChannel]bool)
	for ref, pending := range t.pending {
		close(pending)
		delete(t.pending, ref)
	}
	t.mu.Unlock()

	conn.Close()
	log.Printf("transport: gateway connection lost: %v", err)
	for _, ch := range all {
		ch.transition(StateClosed, nil)
	}
}

// request writes a frame with an ack reference and waits for the reply.
func (t *WS) request(ctx context.Context, frame hub.Frame) (hub.Frame, error) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return hub.Frame{}, errors.New("transport disconnected")
	}
	t.seq++
	frame.Ref = t.seq
	reply := make(chan hub.Frame, 1)
	t.pending[frame.Ref] = reply
	t.mu.Unlock()

	cleanup := func() {
		t.mu.Lock()
		delete(t.pending, frame.Ref)
		t.mu.Unlock()
	}

	if err := t.write(conn, frame); err != nil {
		cleanup()
		return hub.Frame{}, err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-reply:
		if !ok {
			return hub.Frame{}, errors.New("transport disconnected")
		}
		if resp.Type == hub.FrameError {
			return resp, fmt.Errorf("gateway error: %s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return hub.Frame{}, errAckTimeout
	case <-ctx.Done():
		cleanup()
		return hub.Frame{}, ctx.Err()
	}
}

func (t *WS) write(conn *websocket.Conn, frame hub.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

func (t *WS) Channel(topic string) Channel {
	return &wsChannel{t: t, topic: topic, state: StateIdle}
}

func (t *WS) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WS) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.handleDisconnect(conn, errors.New("reconnect requested"))
	}
	return t.dial(ctx)
}

func (t *WS) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.handleDisconnect(conn, errors.New("transport closed"))
	}
	return nil
}

type wsChannel struct {
	t     *WS
	topic string

	mu           sync.Mutex
	state        SubscribeState
	onStatus     StatusFunc
	msgHandlers  []func(Message)
	presHandlers []func(PresenceEvent)
}

func (ch *wsChannel) Topic() string { return ch.topic }

func (ch *wsChannel) State() SubscribeState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *wsChannel) Subscribe(ctx context.Context, onStatus StatusFunc) error {
	ch.mu.Lock()
	ch.onStatus = onStatus
	ch.state = StateSubscribing
	ch.mu.Unlock()
	if onStatus != nil {
		onStatus(StateSubscribing, nil)
	}

	_, err := ch.t.request(ctx, hub.Frame{Type: hub.FrameSubscribe, Topic: ch.topic})
	if err != nil {
		state := StateChannelError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errAckTimeout) {
			state = StateTimedOut
		}
		ch.transition(state, err)
		return err
	}

	ch.t.mu.Lock()
	chans, ok := ch.t.channels[ch.topic]
	if !ok {
		chans = make(map[*wsChannel]bool)
		ch.t.channels[ch.topic] = chans
	}
	chans[ch] = true
	ch.t.mu.Unlock()

	ch.transition(StateSubscribed, nil)
	return nil
}

func (ch *wsChannel) Unsubscribe(ctx context.Context) error {
	ch.t.mu.Lock()
	if chans, ok := ch.t.channels[ch.topic]; ok {
		delete(chans, ch)
		if len(chans) == 0 {
			delete(ch.t.channels, ch.topic)
		}
	}
	t := ch.t
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		// Best effort; the gateway also cleans up on disconnect.
		if _, err := t.request(ctx, hub.Frame{Type: hub.FrameUnsubscribe, Topic: ch.topic}); err != nil {
			log.Printf("transport: unsubscribe %s failed: %v", ch.topic, err)
		}
	}
	ch.transition(StateClosed, nil)
	return nil
}

func (ch *wsChannel) OnMessage(h func(Message)) {
	ch.mu.Lock()
	ch.msgHandlers = append(ch.msgHandlers, h)
	ch.mu.Unlock()
}

func (ch *wsChannel) OnPresence(h func(PresenceEvent)) {
	ch.mu.Lock()
	ch.presHandlers = append(ch.presHandlers, h)
	ch.mu.Unlock()
}

func (ch *wsChannel) Send(ctx context.Context, msg Message, waitAck bool) error {
	frame := hub.Frame{
		Type:        hub.FrameBroadcast,
		Topic:       ch.topic,
		Event:       msg.Event,
		BroadcastID: msg.BroadcastID,
		Payload:     msg.Payload,
	}
	if waitAck {
		_, err := ch.t.request(ctx, frame)
		return err
	}

	ch.t.mu.Lock()
	conn := ch.t.conn
	ch.t.mu.Unlock()
	if conn == nil {
		return errors.New("transport disconnected")
	}
	return ch.t.write(conn, frame)
}

func (ch *wsChannel) Track(ctx context.Context, meta json.RawMessage) error {
	_, err := ch.t.request(ctx, hub.Frame{Type: hub.FrameTrack, Topic: ch.topic, Payload: meta})
	return err
}

func (ch *wsChannel) transition(state SubscribeState, err error) {
	ch.mu.Lock()
	ch.state = state
	cb := ch.onStatus
	ch.mu.Unlock()
	if cb != nil {
		cb(state, err)
	}
}

func (ch *wsChannel) dispatchMessage(msg Message) {
	ch.mu.Lock()
	handlers := append([]func(Message){}, ch.msgHandlers...)
	ch.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (ch *wsChannel) dispatchPresence(ev PresenceEvent) {
	ch.mu.Lock()
	handlers := append([]func(PresenceEvent){}, ch.presHandlers...)
	ch.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
