package console

import (
	"context"
	"log"
	"time"

	"github.com/bingohall/backend/internal/game"
	"github.com/bingohall/backend/internal/realtime"
	"github.com/bingohall/backend/internal/store"
)

// Player drives a session from the playing side: it marks no state of its
// own beyond the coordinator's reconciled copy and submits claims.
type Player struct {
	coord *realtime.Coordinator
	store *store.Store
	id    string
	name  string
}

func NewPlayer(coord *realtime.Coordinator, st *store.Store, playerID, playerName string) *Player {
	return &Player{coord: coord, store: st, id: playerID, name: playerName}
}

// Join connects the coordinator to the session and registers this player
// in the presence roster.
func (p *Player) Join(ctx context.Context, sessionID string) {
	p.coord.Connect(ctx, sessionID)
	p.coord.Track(ctx, sessionID, map[string]string{
		"playerId":   p.id,
		"playerName": p.name,
	})
}

// Leave tears down the player's realtime scope.
func (p *Player) Leave(ctx context.Context) {
	p.coord.Disconnect(ctx)
}

// SubmitClaim records a win claim and broadcasts it to the caller. The
// storage insert and the broadcast are independent: a claim that persisted
// but failed to broadcast is still picked up by the caller's unresolved
// claims read.
func (p *Player) SubmitClaim(ctx context.Context, sessionID, ticketID string) (*game.ClaimRecord, CallResult) {
	progress := p.coord.Reconciler().Current()
	claim := &game.ClaimRecord{
		ID:          NewClaimID(),
		SessionID:   sessionID,
		PlayerID:    p.id,
		PlayerName:  p.name,
		TicketID:    ticketID,
		WinPattern:  progress.CurrentWinPattern,
		GameNumber:  progress.CurrentGameNumber,
		CalledCount: len(progress.CalledNumbers),
		Status:      game.ClaimPending,
		SubmittedAt: time.Now().UTC(),
	}

	if err := p.store.InsertClaim(ctx, claim); err != nil {
		log.Printf("console: persist claim failed: %v", err)
		return nil, CallResult{Err: err}
	}
	sent := p.coord.Broadcast().SendClaimSubmitted(ctx, claim)
	return claim, CallResult{Persisted: true, Broadcast: sent}
}

// OnNumberCalled subscribes to reconciled number updates; the callback
// receives the full list and the newest number, already de-duplicated and
// order-healed by the coordinator.
func (p *Player) OnNumberCalled(fn realtime.UpdateListener) func() {
	return p.coord.Reconciler().OnUpdate(fn)
}

// OnClaimResolved subscribes to claim verdicts for the session.
func (p *Player) OnClaimResolved(sessionID string, fn realtime.ListenerFunc) func() {
	return p.coord.Subscribe(realtime.TopicClaimsValidation, sessionID, realtime.EventClaimResolved, fn)
}
