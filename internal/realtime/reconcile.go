package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bingohall/backend/internal/game"
)

// ProgressReader is the read contract the reconciler needs from storage.
type ProgressReader interface {
	ReadSessionProgress(ctx context.Context, sessionID string) (game.Progress, error)
}

// UpdateListener is notified when the reconciled called-numbers state
// grows. lastCalled is the new tail element; progress carries the full
// list.
type UpdateListener func(progress game.Progress, lastCalled int)

// Reconciler keeps the in-memory called-numbers state convergent with the
// backing store. Broadcasts can be missed (backgrounded tab, recreated
// channel, reconnect race), so in-memory state is never authoritative on
// its own: on every reconnect, and on a slow periodic timer, the
// authoritative list is fetched and merged by the longer-list-wins rule.
//
// State updates are an atomic replace of the whole Progress value under the
// mutex; partially built lists are never published.
type Reconciler struct {
	storage  ProgressReader
	interval time.Duration // 0 disables the periodic timer

	mu        sync.Mutex
	sessionID string
	current   game.Progress
	listeners map[int]UpdateListener
	nextID    int
	stop      chan struct{}
}

func NewReconciler(storage ProgressReader, interval time.Duration) *Reconciler {
	return &Reconciler{
		storage:   storage,
		interval:  interval,
		listeners: make(map[int]UpdateListener),
	}
}

// Start binds the reconciler to a session, clears prior state, and starts
// the periodic fetch when an interval is configured.
func (r *Reconciler) Start(sessionID string) {
	r.mu.Lock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.sessionID = sessionID
	r.current = game.Progress{}
	var stop chan struct{}
	if r.interval > 0 {
		stop = make(chan struct{})
		r.stop = stop
	}
	r.mu.Unlock()

	if stop != nil {
		go r.run(stop)
	}
}

// Stop halts the periodic fetch and detaches from the session.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.sessionID = ""
	r.mu.Unlock()
}

func (r *Reconciler) run(stop chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			r.Reconcile(ctx)
			cancel()
		}
	}
}

// Reconcile fetches the authoritative state and merges it. A storage
// failure is logged and the prior state kept; it never propagates.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()
	if sessionID == "" {
		return
	}

	fetched, err := r.storage.ReadSessionProgress(ctx, sessionID)
	if err != nil {
		log.Printf("realtime: reconcile fetch failed for %s: %v", sessionID, err)
		return
	}
	r.merge(fetched, false)
}

// ApplyBroadcast merges an inbound number-called snapshot. The same
// longer-list-wins rule applies, which makes delivery order and duplication
// irrelevant: the protocol converges regardless.
func (r *Reconciler) ApplyBroadcast(calledNumbers []int, winPattern string, gameNumber int) {
	r.merge(game.Progress{
		CalledNumbers:     calledNumbers,
		CurrentWinPattern: winPattern,
		CurrentGameNumber: gameNumber,
	}, false)
}

// ApplyReset replaces state wholesale for an explicit game reset, the one
// case where the called list may shrink.
func (r *Reconciler) ApplyReset(winPattern string, gameNumber int) {
	r.merge(game.Progress{
		CalledNumbers:     []int{},
		CurrentWinPattern: winPattern,
		CurrentGameNumber: gameNumber,
	}, true)
}

// merge applies the ordering rule: a longer incoming list replaces local
// state wholesale and fires one notification with the new tail and full
// list; an equal or shorter list is ignored (stale read). reset bypasses
// the rule.
func (r *Reconciler) merge(incoming game.Progress, reset bool) {
	// Copy before publishing so later caller mutations can't interleave.
	fresh := game.Progress{
		CalledNumbers:     append([]int(nil), incoming.CalledNumbers...),
		CurrentWinPattern: incoming.CurrentWinPattern,
		CurrentGameNumber: incoming.CurrentGameNumber,
	}

	r.mu.Lock()
	// Snapshots that carry only the called list inherit the rest.
	if fresh.CurrentWinPattern == "" && !reset {
		fresh.CurrentWinPattern = r.current.CurrentWinPattern
	}
	if fresh.CurrentGameNumber == 0 {
		fresh.CurrentGameNumber = r.current.CurrentGameNumber
	}
	if !reset && len(fresh.CalledNumbers) <= len(r.current.CalledNumbers) {
		// Pattern and game number may still move forward on equal length.
		if len(fresh.CalledNumbers) == len(r.current.CalledNumbers) {
			r.current.CurrentWinPattern = fresh.CurrentWinPattern
			if fresh.CurrentGameNumber > r.current.CurrentGameNumber {
				r.current.CurrentGameNumber = fresh.CurrentGameNumber
			}
		}
		r.mu.Unlock()
		return
	}
	r.current = fresh
	listeners := make([]UpdateListener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	last, ok := fresh.LastCalled()
	if !ok && !reset {
		return
	}
	snapshot := game.Progress{
		CalledNumbers:     append([]int(nil), fresh.CalledNumbers...),
		CurrentWinPattern: fresh.CurrentWinPattern,
		CurrentGameNumber: fresh.CurrentGameNumber,
	}
	for _, fn := range listeners {
		fn(snapshot, last)
	}
}

// OnUpdate registers a state-updated listener and returns its idempotent
// removal function.
func (r *Reconciler) OnUpdate(fn UpdateListener) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Current returns a copy of the reconciled progress.
func (r *Reconciler) Current() game.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return game.Progress{
		CalledNumbers:     append([]int(nil), r.current.CalledNumbers...),
		CurrentWinPattern: r.current.CurrentWinPattern,
		CurrentGameNumber: r.current.CurrentGameNumber,
	}
}

// CalledNumbers returns a copy of the reconciled called list.
func (r *Reconciler) CalledNumbers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.current.CalledNumbers...)
}
