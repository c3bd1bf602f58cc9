package game

// ProgressionDecision is the outcome of a completed win pattern: either the
// session moves to another pattern within the same game or advances to the
// next game.
type ProgressionDecision struct {
	NextGameNumber int
	NextWinPattern string
	NewGame        bool // true when the called list resets
	SessionOver    bool // no more games or patterns remain
}

// ProgressionFunc decides what follows a validated win. The rules engine
// that owns pattern sequencing lives outside this module; the coordinator
// only broadcasts whatever state the decision produces.
type ProgressionFunc func(currentGame int, currentPattern string) ProgressionDecision
