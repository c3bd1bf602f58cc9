// Package console implements the caller- and player-side services that sit
// between a UI and the realtime coordinator: persisting game actions and
// broadcasting them as two independent operations.
package console

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/bingohall/backend/internal/game"
	"github.com/bingohall/backend/internal/realtime"
	"github.com/bingohall/backend/internal/store"
)

// CallResult reports the two halves of a caller action separately. The
// caller must not believe a number was called if persistence failed even
// when the broadcast went out, and vice versa.
type CallResult struct {
	Persisted bool
	Broadcast bool
	Err       error // persistence error, retryable
}

// OK reports full success.
func (r CallResult) OK() bool {
	return r.Persisted && r.Broadcast
}

// Caller drives a session from the hosting side.
type Caller struct {
	coord       *realtime.Coordinator
	store       *store.Store
	progression game.ProgressionFunc
}

func NewCaller(coord *realtime.Coordinator, st *store.Store, progression game.ProgressionFunc) *Caller {
	return &Caller{coord: coord, store: st, progression: progression}
}

// CallNumber persists the grown called list and broadcasts the announcement
// with the full snapshot. The two operations are independent and reported
// independently; a persistence failure leaves the broadcast unsent because
// players must never see a number storage will not vouch for.
func (c *Caller) CallNumber(ctx context.Context, sessionID string, number int) CallResult {
	current := c.coord.Reconciler().CalledNumbers()
	for _, n := range current {
		if n == number {
			return CallResult{Err: fmt.Errorf("number %d already called", number)}
		}
	}
	snapshot := append(current, number)

	if err := c.store.WriteCalledNumbers(ctx, sessionID, snapshot); err != nil {
		log.Printf("console: persist called numbers failed: %v", err)
		return CallResult{Err: fmt.Errorf("persist number %d: %w", number, err)}
	}

	c.coord.Reconciler().ApplyBroadcast(snapshot, "", 0)
	sent := c.coord.Broadcast().SendNumberCalled(ctx, sessionID, number, snapshot)
	return CallResult{Persisted: true, Broadcast: sent}
}

// PendingClaims reads the unresolved claims for the session.
func (c *Caller) PendingClaims(ctx context.Context, sessionID string) ([]*game.ClaimRecord, error) {
	return c.store.ReadUnresolvedClaims(ctx, sessionID)
}

// ResolveClaim writes the verdict and broadcasts it. An already-resolved
// claim is left untouched.
func (c *Caller) ResolveClaim(ctx context.Context, sessionID, claimID string, status game.ClaimStatus) CallResult {
	if err := c.store.WriteClaimStatus(ctx, claimID, status); err != nil {
		log.Printf("console: resolve claim %s failed: %v", claimID, err)
		return CallResult{Err: err}
	}
	sent := c.coord.Broadcast().SendClaimResolved(ctx, sessionID, claimID, status)
	return CallResult{Persisted: true, Broadcast: sent}
}

// AdvanceGame asks the external progression rule what follows a completed
// pattern, persists the outcome and broadcasts it so every console
// re-renders in place.
func (c *Caller) AdvanceGame(ctx context.Context, sessionID string) CallResult {
	if c.progression == nil {
		return CallResult{Err: fmt.Errorf("no progression rule configured")}
	}
	progress := c.coord.Reconciler().Current()
	decision := c.progression(progress.CurrentGameNumber, progress.CurrentWinPattern)

	lifecycle := game.Active
	if decision.SessionOver {
		lifecycle = game.Ended
	}
	err := c.store.UpdateSessionState(ctx, sessionID, lifecycle, decision.NextGameNumber, decision.NextWinPattern, decision.NewGame)
	if err != nil {
		log.Printf("console: persist game advance failed: %v", err)
		return CallResult{Err: fmt.Errorf("persist game advance: %w", err)}
	}

	if decision.NewGame {
		c.coord.Reconciler().ApplyReset(decision.NextWinPattern, decision.NextGameNumber)
	} else {
		c.coord.Reconciler().ApplyBroadcast(progress.CalledNumbers, decision.NextWinPattern, decision.NextGameNumber)
	}

	var called []int
	if !decision.NewGame {
		called = progress.CalledNumbers
	}
	sent := c.coord.Broadcast().SendGameAdvanced(ctx, sessionID, decision, called)

	if decision.SessionOver {
		c.coord.Broadcast().SendSessionEnded(ctx, sessionID)
	}
	return CallResult{Persisted: true, Broadcast: sent}
}

// EndSession force-closes the session: storage first, then the realtime
// teardown with its best-effort session-ended notice.
func (c *Caller) EndSession(ctx context.Context, sessionID string) CallResult {
	progress := c.coord.Reconciler().Current()
	err := c.store.UpdateSessionState(ctx, sessionID, game.Ended, progress.CurrentGameNumber, progress.CurrentWinPattern, false)
	if err != nil {
		log.Printf("console: persist session end failed: %v", err)
		return CallResult{Err: fmt.Errorf("persist session end: %w", err)}
	}
	sent := c.coord.Broadcast().SendSessionEnded(ctx, sessionID)
	c.coord.Disconnect(ctx)
	return CallResult{Persisted: true, Broadcast: sent}
}

// NewClaimID mints a claim identifier.
func NewClaimID() string {
	return uuid.NewString()
}
