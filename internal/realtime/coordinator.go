package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/bingohall/backend/internal/transport"
)

// Config tunes one coordinator instance.
type Config struct {
	Heartbeat         HeartbeatConfig
	ReconcileInterval time.Duration // slow periodic storage cross-check; 0 disables
	StabilizeHold     time.Duration // status flicker suppression window
}

// Coordinator is the single realtime entry point for a console process:
// one instance constructed at startup and passed by reference to every
// consumer. It owns the channel registry, the event dispatcher, the
// heartbeat monitor, the reconciler and the broadcast client, and keeps
// them consistent with each other.
type Coordinator struct {
	dispatcher *Dispatcher
	status     *StatusBroker
	registry   *ChannelRegistry
	heartbeat  *HeartbeatMonitor
	reconciler *Reconciler
	broadcast  *BroadcastClient

	mu        sync.Mutex
	sessionID string
	cleanups  []func()
}

// NewCoordinator wires a coordinator over the given transport and storage.
func NewCoordinator(tr transport.Transport, storage ProgressReader, cfg Config) *Coordinator {
	dispatcher := NewDispatcher()
	status := NewStatusBroker()
	registry := NewChannelRegistry(dispatcher, status)
	registry.Initialize(tr)

	c := &Coordinator{
		dispatcher: dispatcher,
		status:     status,
		registry:   registry,
		heartbeat:  NewHeartbeatMonitor(cfg.Heartbeat, registry, status),
		reconciler: NewReconciler(storage, cfg.ReconcileInterval),
		broadcast:  NewBroadcastClient(registry),
	}

	// Missed messages are the reconciler's problem: re-fetch authoritative
	// state after every successful reconnect.
	c.heartbeat.OnReconnected(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.reconciler.Reconcile(ctx)
	})

	return c
}

// Connect joins the per-session channels, starts the heartbeat and binds
// the reconciler, then performs an initial reconciliation so the console
// starts from authoritative state.
func (c *Coordinator) Connect(ctx context.Context, sessionID string) {
	c.mu.Lock()
	prev := c.sessionID
	cleanups := c.cleanups
	c.mu.Unlock()
	if prev != "" && prev != sessionID {
		c.Disconnect(ctx)
	} else {
		// Reconnecting to the same session replaces the internal listeners
		// below; release the old registrations so channel refs and listener
		// sets do not accumulate.
		for _, cancel := range cleanups {
			cancel()
		}
	}

	c.registry.ConnectSession(ctx, sessionID)
	c.reconciler.Start(sessionID)
	c.heartbeat.Start(sessionID)

	// Inbound game-state broadcasts feed the reconciler so its merge rule
	// is the one place ordering is decided.
	updatesTopic := Topic(TopicGameUpdates, sessionID)
	cancelCalled := c.registry.Subscribe(updatesTopic, EventNumberCalled, func(payload json.RawMessage) {
		var p NumberCalledPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("realtime: bad number-called payload: %v", err)
			return
		}
		c.reconciler.ApplyBroadcast(p.CalledNumbers, "", 0)
	})
	cancelAdvanced := c.registry.Subscribe(updatesTopic, EventGameAdvanced, func(payload json.RawMessage) {
		var p GameAdvancedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("realtime: bad game-advanced payload: %v", err)
			return
		}
		if p.NewGame {
			c.reconciler.ApplyReset(p.WinPattern, p.GameNumber)
		} else {
			c.reconciler.ApplyBroadcast(p.CalledNumbers, p.WinPattern, p.GameNumber)
		}
	})
	cancelReset := c.registry.Subscribe(updatesTopic, EventGameReset, func(payload json.RawMessage) {
		var p GameResetPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("realtime: bad game-reset payload: %v", err)
			return
		}
		c.reconciler.ApplyReset(p.WinPattern, p.GameNumber)
	})

	c.mu.Lock()
	c.sessionID = sessionID
	c.cleanups = []func(){cancelCalled, cancelAdvanced, cancelReset}
	c.mu.Unlock()

	c.reconciler.Reconcile(ctx)
}

// Disconnect tears the session down: stops timers, unsubscribes internal
// listeners, and force-removes the per-session channels.
func (c *Coordinator) Disconnect(ctx context.Context) {
	c.mu.Lock()
	sessionID := c.sessionID
	cleanups := c.cleanups
	c.sessionID = ""
	c.cleanups = nil
	c.mu.Unlock()
	if sessionID == "" {
		return
	}

	c.heartbeat.Stop()
	c.reconciler.Stop()
	for _, cancel := range cleanups {
		cancel()
	}
	c.registry.DisconnectSession(ctx, sessionID)
}

// Track registers this client in the session's presence roster.
func (c *Coordinator) Track(ctx context.Context, sessionID string, meta any) bool {
	handle := c.registry.GetOrCreateChannel(Topic(TopicParticipants, sessionID))
	if handle == nil {
		return false
	}
	data, ok := marshalPayload(meta)
	if !ok {
		return false
	}
	if err := handle.Track(ctx, data); err != nil {
		log.Printf("realtime: presence track failed: %v", err)
		return false
	}
	return true
}

// Subscribe registers an application listener for a session event.
func (c *Coordinator) Subscribe(topicBase, sessionID, event string, fn ListenerFunc) func() {
	return c.registry.Subscribe(Topic(topicBase, sessionID), event, fn)
}

func (c *Coordinator) Registry() *ChannelRegistry     { return c.registry }
func (c *Coordinator) Heartbeat() *HeartbeatMonitor   { return c.heartbeat }
func (c *Coordinator) Reconciler() *Reconciler        { return c.reconciler }
func (c *Coordinator) Broadcast() *BroadcastClient    { return c.broadcast }
func (c *Coordinator) Status() *StatusBroker          { return c.status }
