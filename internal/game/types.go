package game

import (
	"encoding/json"
	"time"
)

// Lifecycle is the coarse state of a bingo session.
type Lifecycle int

const (
	Pending Lifecycle = iota
	Active
	Ended
)

var lifecycleNames = map[Lifecycle]string{
	Pending: "pending",
	Active:  "active",
	Ended:   "ended",
}

var lifecycleFromName = map[string]Lifecycle{
	"pending": Pending,
	"active":  Active,
	"ended":   Ended,
}

func (l Lifecycle) String() string {
	if s, ok := lifecycleNames[l]; ok {
		return s
	}
	return "unknown"
}

func (l Lifecycle) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Lifecycle) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := lifecycleFromName[s]; ok {
		*l = v
	}
	return nil
}

// ParseLifecycle maps a stored lifecycle name back to its value.
// Unknown names map to Pending.
func ParseLifecycle(s string) Lifecycle {
	if v, ok := lifecycleFromName[s]; ok {
		return v
	}
	return Pending
}

// Session is one live game instance. The authoritative copy lives in
// storage; in-memory copies are working state only.
type Session struct {
	ID                string     `json:"id"`
	HostName          string     `json:"hostName,omitempty"`
	Lifecycle         Lifecycle  `json:"lifecycle"`
	CurrentGameNumber int        `json:"currentGameNumber"`
	CurrentWinPattern string     `json:"currentWinPattern,omitempty"`
	CalledNumbers     []int      `json:"calledNumbers"`
	CreatedAt         time.Time  `json:"createdAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
}

// Clone returns a deep copy so the caller can mutate it independently.
func (s *Session) Clone() *Session {
	c := *s
	if len(s.CalledNumbers) > 0 {
		c.CalledNumbers = append([]int(nil), s.CalledNumbers...)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// IsTerminal reports whether the session can no longer change.
func (s *Session) IsTerminal() bool {
	return s.Lifecycle == Ended
}

// Progress is the authoritative per-session state the realtime layer
// reconciles against after a suspected gap.
type Progress struct {
	CalledNumbers     []int  `json:"calledNumbers"`
	CurrentWinPattern string `json:"currentWinPattern,omitempty"`
	CurrentGameNumber int    `json:"currentGameNumber"`
}

// LastCalled returns the most recent called number, or 0 and false when
// nothing has been called yet.
func (p Progress) LastCalled() (int, bool) {
	if len(p.CalledNumbers) == 0 {
		return 0, false
	}
	return p.CalledNumbers[len(p.CalledNumbers)-1], true
}
