package realtime

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// ListenerFunc receives the payload of one delivered broadcast.
type ListenerFunc func(payload json.RawMessage)

// Dispatcher maps (topic, event) to listener sets and enforces at-most-once
// processing per broadcast id. One dispatcher serves all channels of a
// coordinator.
type Dispatcher struct {
	mu        sync.Mutex
	listeners map[string]map[string]map[int]ListenerFunc // topic → event → id → fn
	lastSeen  map[string]string                          // topic|event → last broadcast id
	nextID    int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		listeners: make(map[string]map[string]map[int]ListenerFunc),
		lastSeen:  make(map[string]string),
	}
}

// Add registers a listener and returns its id.
func (d *Dispatcher) Add(topic, event string, fn ListenerFunc) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	events, ok := d.listeners[topic]
	if !ok {
		events = make(map[string]map[int]ListenerFunc)
		d.listeners[topic] = events
	}
	set, ok := events[event]
	if !ok {
		set = make(map[int]ListenerFunc)
		events[event] = set
	}
	d.nextID++
	set[d.nextID] = fn
	return d.nextID
}

// Remove deregisters a listener. Removing the last listener for an event
// removes the event entry; the registry owns the channel ref count.
func (d *Dispatcher) Remove(topic, event string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	events, ok := d.listeners[topic]
	if !ok {
		return
	}
	set, ok := events[event]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(events, event)
	}
	if len(events) == 0 {
		delete(d.listeners, topic)
	}
}

// DropTopic discards all listener and dedup state for a topic. Called when
// the registry removes a channel.
func (d *Dispatcher) DropTopic(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, topic)
	for key := range d.lastSeen {
		if len(key) > len(topic) && key[:len(topic)] == topic && key[len(topic)] == '|' {
			delete(d.lastSeen, key)
		}
	}
}

// Dispatch delivers one inbound broadcast to the listeners registered for
// (topic, event). A repeated broadcast id is dropped silently; a panicking
// listener is logged and must not prevent the others from running.
func (d *Dispatcher) Dispatch(topic, event, broadcastID string, payload json.RawMessage) {
	d.mu.Lock()
	if broadcastID != "" {
		key := topic + "|" + event
		if d.lastSeen[key] == broadcastID {
			d.mu.Unlock()
			return
		}
		d.lastSeen[key] = broadcastID
	}
	var fns []ListenerFunc
	if events, ok := d.listeners[topic]; ok {
		for _, fn := range events[event] {
			fns = append(fns, fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range fns {
		invoke(fn, payload, topic, event)
	}
}

// ListenerCount reports the registered listeners for (topic, event).
func (d *Dispatcher) ListenerCount(topic, event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if events, ok := d.listeners[topic]; ok {
		return len(events[event])
	}
	return 0
}

func invoke(fn ListenerFunc, payload json.RawMessage, topic, event string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("realtime: listener panic on %s/%s: %v", topic, event, fmt.Sprint(r))
		}
	}()
	fn(payload)
}
