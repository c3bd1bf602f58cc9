package hub

import (
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// enqueue hands a frame to the write pump. It reports false when the client
// is already closed or its buffer is full; the closed check and the channel
// send share c.mu with close so a late send never hits a closed channel.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub routes broadcast frames between console clients by topic name. It is
// the in-house stand-in for a managed realtime service: topics are created
// on first subscribe and removed when the last subscriber leaves.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	topics     map[string]map[*client]bool
	presence   map[string]map[*client]json.RawMessage // tracked meta per topic
	maxClients int
}

func New(maxClients int) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		topics:     make(map[string]map[*client]bool),
		presence:   make(map[string]map[*client]json.RawMessage),
		maxClients: maxClients,
	}
}

// addClient registers a connection. Returns nil when the hub is full.
func (h *Hub) addClient(conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		return nil
	}
	c := newClient(conn)
	h.clients[c] = true
	return c
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	topics := make([]string, 0)
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for topic, members := range h.topics {
			if members[c] {
				delete(members, c)
				topics = append(topics, topic)
				if len(members) == 0 {
					delete(h.topics, topic)
				}
			}
		}
		c.close()
	}
	h.mu.Unlock()

	// Presence leaves are announced after the lock is released.
	for _, topic := range topics {
		h.untrack(c, topic)
	}
}

func (h *Hub) subscribe(c *client, topic string) {
	h.mu.Lock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[*client]bool)
		h.topics[topic] = members
	}
	members[c] = true
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	if members, ok := h.topics[topic]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
	h.untrack(c, topic)
}

// broadcast fans a frame out to every subscriber of the topic except the
// sender. Delivery to the sender is the receiver's own concern (it already
// has the state it just sent).
func (h *Hub) broadcast(sender *client, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("hub: broadcast marshal error: %v", err)
		return
	}

	h.mu.RLock()
	members := h.topics[frame.Topic]
	targets := make([]*client, 0, len(members))
	for c := range members {
		if c != sender {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			// Client can't keep up (or is already gone), disconnect it.
			log.Printf("hub: client too slow on %s, disconnecting", frame.Topic)
			h.removeClient(c)
		}
	}
}

// track records presence meta for a client on a topic and announces the join
// with the full roster.
func (h *Hub) track(c *client, topic string, meta json.RawMessage) {
	h.mu.Lock()
	tracked, ok := h.presence[topic]
	if !ok {
		tracked = make(map[*client]json.RawMessage)
		h.presence[topic] = tracked
	}
	tracked[c] = meta
	h.mu.Unlock()

	h.announcePresence(topic, PresenceJoin, &PresenceMember{ClientID: c.id, Meta: meta})
}

func (h *Hub) untrack(c *client, topic string) {
	h.mu.Lock()
	tracked, ok := h.presence[topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := tracked[c]; !present {
		h.mu.Unlock()
		return
	}
	delete(tracked, c)
	if len(tracked) == 0 {
		delete(h.presence, topic)
	}
	h.mu.Unlock()

	h.announcePresence(topic, PresenceLeave, &PresenceMember{ClientID: c.id})
}

func (h *Hub) roster(topic string) []PresenceMember {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tracked := h.presence[topic]
	members := make([]PresenceMember, 0, len(tracked))
	for c, meta := range tracked {
		members = append(members, PresenceMember{ClientID: c.id, Meta: meta})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ClientID < members[j].ClientID })
	return members
}

func (h *Hub) announcePresence(topic, event string, member *PresenceMember) {
	payload, err := json.Marshal(PresencePayload{
		Event:   event,
		Member:  member,
		Members: h.roster(topic),
	})
	if err != nil {
		log.Printf("hub: presence marshal error: %v", err)
		return
	}
	h.broadcast(nil, Frame{Type: FramePresence, Topic: topic, Payload: payload})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicCount returns the number of live topics.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// SubscriberCount returns the number of subscribers on one topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
