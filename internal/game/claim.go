package game

import (
	"encoding/json"
	"time"
)

// ClaimStatus tracks a win claim through verification.
type ClaimStatus int

const (
	ClaimPending ClaimStatus = iota
	ClaimValidated
	ClaimRejected
)

var claimStatusNames = map[ClaimStatus]string{
	ClaimPending:   "pending",
	ClaimValidated: "validated",
	ClaimRejected:  "rejected",
}

var claimStatusFromName = map[string]ClaimStatus{
	"pending":   ClaimPending,
	"validated": ClaimValidated,
	"rejected":  ClaimRejected,
}

func (c ClaimStatus) String() string {
	if s, ok := claimStatusNames[c]; ok {
		return s
	}
	return "unknown"
}

func (c ClaimStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClaimStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := claimStatusFromName[s]; ok {
		*c = v
	}
	return nil
}

// ParseClaimStatus maps a stored status name back to its value.
// Unknown names map to ClaimPending.
func ParseClaimStatus(s string) ClaimStatus {
	if v, ok := claimStatusFromName[s]; ok {
		return v
	}
	return ClaimPending
}

// Resolved reports whether the claim has reached a final status.
func (c ClaimStatus) Resolved() bool {
	return c == ClaimValidated || c == ClaimRejected
}

// ClaimRecord is a player's assertion that their ticket satisfies the
// active win pattern at a point in the called-numbers sequence. Only the
// caller mutates Status, and only once: a resolved claim is immutable.
type ClaimRecord struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"sessionId"`
	PlayerID      string      `json:"playerId"`
	PlayerName    string      `json:"playerName,omitempty"`
	TicketID      string      `json:"ticketId"`
	WinPattern    string      `json:"winPattern"`
	GameNumber    int         `json:"gameNumber"`
	CalledCount   int         `json:"calledCount"` // length of the called sequence when claimed
	Status        ClaimStatus `json:"status"`
	SubmittedAt   time.Time   `json:"submittedAt"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`
}

// Clone returns a copy safe to mutate independently.
func (c *ClaimRecord) Clone() *ClaimRecord {
	cp := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
