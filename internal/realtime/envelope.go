// Package realtime implements the connection and broadcast coordinator used
// by caller and player consoles: reference-counted channel management,
// idempotent event delivery, heartbeat-driven reconnection, and state
// reconciliation against the backing store.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bingohall/backend/internal/game"
)

// Event names carried on the wire. The shapes are shared by every caller
// and player console and must not drift.
const (
	EventNumberCalled   = "number-called"
	EventGameReset      = "game-reset"
	EventGameAdvanced   = "game-advanced"
	EventClaimSubmitted = "claim-submitted"
	EventClaimResolved  = "claim-resolved"
	EventSessionEnded   = "session-ended-by-caller"
)

// Synthetic events the dispatcher emits for presence transitions on the
// participants channel.
const (
	EventPresenceJoin  = "presence-join"
	EventPresenceLeave = "presence-leave"
	EventPresenceSync  = "presence-sync"
)

// Per-session topic bases. The full topic is "{base}-{sessionID}".
const (
	TopicGameDetails      = "game_details"
	TopicClaimSender      = "claim_sender"
	TopicGameUpdates      = "game_updates"
	TopicClaimsValidation = "claims_validation"
	TopicParticipants     = "participants"
)

// Topic builds the canonical topic name for a session sub-concern.
func Topic(base, sessionID string) string {
	return base + "-" + sessionID
}

// SessionTopics returns all five canonical topics for a session.
func SessionTopics(sessionID string) []string {
	return []string{
		Topic(TopicGameDetails, sessionID),
		Topic(TopicClaimSender, sessionID),
		Topic(TopicGameUpdates, sessionID),
		Topic(TopicClaimsValidation, sessionID),
		Topic(TopicParticipants, sessionID),
	}
}

// NewBroadcastID returns a unique id for one logical emission. Receivers
// use it to drop transport redeliveries.
func NewBroadcastID() string {
	return uuid.NewString()
}

// Timestamp returns the wire timestamp format (ISO-8601, UTC).
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NumberCalledPayload always carries the full cumulative snapshot, not just
// the delta, so a receiver that missed earlier events can self-heal without
// an extra round trip.
type NumberCalledPayload struct {
	SessionID        string `json:"sessionId"`
	LastCalledNumber int    `json:"lastCalledNumber"`
	CalledNumbers    []int  `json:"calledNumbers"`
	Timestamp        string `json:"timestamp"`
}

type GameResetPayload struct {
	SessionID  string `json:"sessionId"`
	GameNumber int    `json:"gameNumber"`
	WinPattern string `json:"winPattern,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type GameAdvancedPayload struct {
	SessionID     string `json:"sessionId"`
	GameNumber    int    `json:"gameNumber"`
	WinPattern    string `json:"winPattern,omitempty"`
	NewGame       bool   `json:"newGame"`
	CalledNumbers []int  `json:"calledNumbers"`
	Timestamp     string `json:"timestamp"`
}

type ClaimSubmittedPayload struct {
	SessionID   string `json:"sessionId"`
	ClaimID     string `json:"claimId"`
	PlayerID    string `json:"playerId"`
	PlayerName  string `json:"playerName,omitempty"`
	TicketID    string `json:"ticketId"`
	WinPattern  string `json:"winPattern"`
	GameNumber  int    `json:"gameNumber"`
	CalledCount int    `json:"calledCount"`
	Timestamp   string `json:"timestamp"`
}

type ClaimResolvedPayload struct {
	SessionID string           `json:"sessionId"`
	ClaimID   string           `json:"claimId"`
	Status    game.ClaimStatus `json:"status"`
	Timestamp string           `json:"timestamp"`
}

type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

// PresencePayload is delivered for the synthetic presence events.
type PresencePayload struct {
	SessionID string   `json:"sessionId"`
	ClientID  string   `json:"clientId,omitempty"` // who joined or left
	Members   []string `json:"members"`            // full roster of client ids
	Timestamp string   `json:"timestamp"`
}

func marshalPayload(v any) (json.RawMessage, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return data, true
}
