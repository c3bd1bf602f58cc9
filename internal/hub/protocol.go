package hub

import (
	"encoding/json"
)

// FrameType classifies the messages exchanged between a console client and
// the gateway over a single websocket connection.
type FrameType string

const (
	// Client → gateway.
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameBroadcast   FrameType = "broadcast"
	FrameTrack       FrameType = "track"

	// Gateway → client.
	FrameSubscribed FrameType = "subscribed"
	FrameAck        FrameType = "ack"
	FramePresence   FrameType = "presence"
	FrameError      FrameType = "error"
)

// Frame is the wire unit of the gateway protocol. A broadcast frame carries
// the application envelope fields (event, broadcastId, payload); control
// frames use Topic and Ref only.
type Frame struct {
	Type        FrameType       `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Ref         uint64          `json:"ref,omitempty"` // client-chosen id echoed back in acks
	Event       string          `json:"event,omitempty"`
	BroadcastID string          `json:"broadcastId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Presence event names carried in PresencePayload.Event.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
	PresenceSync  = "sync"
)

// PresenceMember is one tracked participant on a topic.
type PresenceMember struct {
	ClientID string          `json:"clientId"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

// PresencePayload is the payload of a FramePresence frame. Members always
// holds the full roster so receivers never need a follow-up sync request.
type PresencePayload struct {
	Event   string           `json:"event"`
	Member  *PresenceMember  `json:"member,omitempty"`
	Members []PresenceMember `json:"members"`
}
