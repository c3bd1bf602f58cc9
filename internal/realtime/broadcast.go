package realtime

import (
	"context"
	"log"
	"time"

	"github.com/bingohall/backend/internal/game"
	"github.com/bingohall/backend/internal/transport"
)

const (
	sendTimeout    = 10 * time.Second
	sendRetryDelay = time.Second
)

// BroadcastClient is the outbound API of the coordinator. Sends request
// acknowledgment and report success as a boolean; transport errors are
// logged, never returned, so a failed broadcast can't take a console down.
type BroadcastClient struct {
	registry *ChannelRegistry
}

func NewBroadcastClient(registry *ChannelRegistry) *BroadcastClient {
	return &BroadcastClient{registry: registry}
}

// Send publishes one envelope on a topic with acknowledgment and reports
// whether the transport confirmed it.
func (b *BroadcastClient) Send(ctx context.Context, topic, event string, payload any) bool {
	return b.send(ctx, topic, event, payload, false)
}

func (b *BroadcastClient) send(ctx context.Context, topic, event string, payload any, retryOnce bool) bool {
	handle := b.registry.GetOrCreateChannel(topic)
	if handle == nil {
		return false
	}
	data, ok := marshalPayload(payload)
	if !ok {
		log.Printf("realtime: marshal %s payload failed", event)
		return false
	}
	msg := transport.Message{
		Event:       event,
		BroadcastID: NewBroadcastID(),
		Payload:     data,
	}

	if b.trySend(ctx, handle, msg) {
		return true
	}
	if !retryOnce {
		return false
	}

	// One retry after a short delay. The envelope keeps its broadcast id,
	// so a receiver that got the first attempt after all drops the repeat.
	select {
	case <-ctx.Done():
		return false
	case <-time.After(sendRetryDelay):
	}
	// Re-resolve: the registry may have replaced a dead handle meanwhile.
	handle = b.registry.GetOrCreateChannel(topic)
	if handle == nil {
		return false
	}
	return b.trySend(ctx, handle, msg)
}

func (b *BroadcastClient) trySend(ctx context.Context, handle transport.Channel, msg transport.Message) bool {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := handle.Send(sendCtx, msg, true); err != nil {
		log.Printf("realtime: send %s on %s failed: %v", msg.Event, handle.Topic(), err)
		return false
	}
	return true
}

// SendNumberCalled announces a called number with the full cumulative
// snapshot. A missed number announcement is the worst user-visible failure
// in the system, so this path retries once after a short delay; every
// other event type fails silently and relies on reconciliation.
func (b *BroadcastClient) SendNumberCalled(ctx context.Context, sessionID string, number int, calledNumbers []int) bool {
	payload := NumberCalledPayload{
		SessionID:        sessionID,
		LastCalledNumber: number,
		CalledNumbers:    calledNumbers,
		Timestamp:        Timestamp(),
	}
	return b.send(ctx, Topic(TopicGameUpdates, sessionID), EventNumberCalled, payload, true)
}

// SendClaimSubmitted publishes a player's win claim to the caller console.
func (b *BroadcastClient) SendClaimSubmitted(ctx context.Context, claim *game.ClaimRecord) bool {
	payload := ClaimSubmittedPayload{
		SessionID:   claim.SessionID,
		ClaimID:     claim.ID,
		PlayerID:    claim.PlayerID,
		PlayerName:  claim.PlayerName,
		TicketID:    claim.TicketID,
		WinPattern:  claim.WinPattern,
		GameNumber:  claim.GameNumber,
		CalledCount: claim.CalledCount,
		Timestamp:   Timestamp(),
	}
	return b.Send(ctx, Topic(TopicClaimSender, claim.SessionID), EventClaimSubmitted, payload)
}

// SendClaimResolved publishes the caller's verdict on a claim.
func (b *BroadcastClient) SendClaimResolved(ctx context.Context, sessionID, claimID string, status game.ClaimStatus) bool {
	payload := ClaimResolvedPayload{
		SessionID: sessionID,
		ClaimID:   claimID,
		Status:    status,
		Timestamp: Timestamp(),
	}
	return b.Send(ctx, Topic(TopicClaimsValidation, sessionID), EventClaimResolved, payload)
}

// SendGameAdvanced announces a pattern or game transition along with the
// post-transition state, so receivers re-render in place instead of
// reloading.
func (b *BroadcastClient) SendGameAdvanced(ctx context.Context, sessionID string, decision game.ProgressionDecision, calledNumbers []int) bool {
	payload := GameAdvancedPayload{
		SessionID:     sessionID,
		GameNumber:    decision.NextGameNumber,
		WinPattern:    decision.NextWinPattern,
		NewGame:       decision.NewGame,
		CalledNumbers: calledNumbers,
		Timestamp:     Timestamp(),
	}
	return b.Send(ctx, Topic(TopicGameUpdates, sessionID), EventGameAdvanced, payload)
}

// SendGameReset announces an explicit reset of the called list.
func (b *BroadcastClient) SendGameReset(ctx context.Context, sessionID string, gameNumber int, winPattern string) bool {
	payload := GameResetPayload{
		SessionID:  sessionID,
		GameNumber: gameNumber,
		WinPattern: winPattern,
		Timestamp:  Timestamp(),
	}
	return b.Send(ctx, Topic(TopicGameUpdates, sessionID), EventGameReset, payload)
}

// SendSessionEnded announces the caller closing the session.
func (b *BroadcastClient) SendSessionEnded(ctx context.Context, sessionID string) bool {
	payload := SessionEndedPayload{SessionID: sessionID, Timestamp: Timestamp()}
	return b.Send(ctx, Topic(TopicGameUpdates, sessionID), EventSessionEnded, payload)
}
