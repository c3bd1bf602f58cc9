package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bingohall/backend/internal/game"
)

var (
	ErrNotFound = errors.New("not found")
	ErrResolved = errors.New("claim already resolved")
)

// Store is the authoritative persistence layer for sessions, called
// numbers, and claims. The realtime layer treats it as the single source
// of truth during reconciliation.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateSession inserts a new session in the pending state.
func (s *Store) CreateSession(ctx context.Context, sess *game.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.CurrentGameNumber == 0 {
		sess.CurrentGameNumber = 1
	}
	called, err := json.Marshal(emptyIfNil(sess.CalledNumbers))
	if err != nil {
		return fmt.Errorf("marshal called numbers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, host_name, lifecycle, current_game_number, current_win_pattern, called_numbers, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, sess.ID, sess.HostName, sess.Lifecycle.String(), sess.CurrentGameNumber, sess.CurrentWinPattern, string(called), ts(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ReadSession returns the full session row.
func (s *Store) ReadSession(ctx context.Context, sessionID string) (*game.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, host_name, lifecycle, current_game_number, current_win_pattern, called_numbers, created_at, ended_at
FROM sessions WHERE session_id = ?
`, sessionID)

	var (
		sess      game.Session
		lifecycle string
		called    string
		createdAt string
		endedAt   sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.HostName, &lifecycle, &sess.CurrentGameNumber, &sess.CurrentWinPattern, &called, &createdAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	sess.Lifecycle = game.ParseLifecycle(lifecycle)
	if err := json.Unmarshal([]byte(called), &sess.CalledNumbers); err != nil {
		return nil, fmt.Errorf("decode called numbers: %w", err)
	}
	sess.CreatedAt = parseTS(createdAt)
	if endedAt.Valid {
		t := parseTS(endedAt.String)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// ReadSessionProgress returns the subset of session state the realtime
// layer reconciles against: the called sequence, pattern and game number.
func (s *Store) ReadSessionProgress(ctx context.Context, sessionID string) (game.Progress, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT called_numbers, current_win_pattern, current_game_number
FROM sessions WHERE session_id = ?
`, sessionID)

	var (
		progress game.Progress
		called   string
	)
	err := row.Scan(&called, &progress.CurrentWinPattern, &progress.CurrentGameNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Progress{}, ErrNotFound
	}
	if err != nil {
		return game.Progress{}, fmt.Errorf("read session progress: %w", err)
	}
	if err := json.Unmarshal([]byte(called), &progress.CalledNumbers); err != nil {
		return game.Progress{}, fmt.Errorf("decode called numbers: %w", err)
	}
	return progress, nil
}

// WriteCalledNumbers replaces the stored called sequence wholesale. The
// caller always writes the full cumulative snapshot, never a delta.
func (s *Store) WriteCalledNumbers(ctx context.Context, sessionID string, numbers []int) error {
	data, err := json.Marshal(emptyIfNil(numbers))
	if err != nil {
		return fmt.Errorf("marshal called numbers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET called_numbers = ? WHERE session_id = ?`, string(data), sessionID)
	if err != nil {
		return fmt.Errorf("write called numbers: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionState applies a lifecycle/progression change in one write.
// A new game resets the called sequence.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID string, lifecycle game.Lifecycle, gameNumber int, winPattern string, resetCalled bool) error {
	var (
		res sql.Result
		err error
	)
	var endedAt any
	if lifecycle == game.Ended {
		endedAt = ts(time.Now().UTC())
	}
	if resetCalled {
		res, err = s.db.ExecContext(ctx, `
UPDATE sessions SET lifecycle = ?, current_game_number = ?, current_win_pattern = ?, called_numbers = '[]', ended_at = ?
WHERE session_id = ?
`, lifecycle.String(), gameNumber, winPattern, endedAt, sessionID)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE sessions SET lifecycle = ?, current_game_number = ?, current_win_pattern = ?, ended_at = ?
WHERE session_id = ?
`, lifecycle.String(), gameNumber, winPattern, endedAt, sessionID)
	}
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertClaim records a freshly submitted claim.
func (s *Store) InsertClaim(ctx context.Context, claim *game.ClaimRecord) error {
	if claim.SubmittedAt.IsZero() {
		claim.SubmittedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO claims(claim_id, session_id, player_id, player_name, ticket_id, win_pattern, game_number, called_count, status, submitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, claim.ID, claim.SessionID, claim.PlayerID, claim.PlayerName, claim.TicketID, claim.WinPattern,
		claim.GameNumber, claim.CalledCount, claim.Status.String(), ts(claim.SubmittedAt))
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// ReadUnresolvedClaims returns the pending claims for a session, oldest first.
func (s *Store) ReadUnresolvedClaims(ctx context.Context, sessionID string) ([]*game.ClaimRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT claim_id, session_id, player_id, player_name, ticket_id, win_pattern, game_number, called_count, status, submitted_at, resolved_at
FROM claims WHERE session_id = ? AND status = 'pending'
ORDER BY submitted_at ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	defer rows.Close()

	var claims []*game.ClaimRecord
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	return claims, nil
}

// ReadClaim returns one claim by id.
func (s *Store) ReadClaim(ctx context.Context, claimID string) (*game.ClaimRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT claim_id, session_id, player_id, player_name, ticket_id, win_pattern, game_number, called_count, status, submitted_at, resolved_at
FROM claims WHERE claim_id = ?
`, claimID)
	if err != nil {
		return nil, fmt.Errorf("read claim: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("read claim: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanClaim(rows)
}

// WriteClaimStatus resolves a pending claim. A claim that already reached a
// final status is immutable; attempting to change it returns ErrResolved.
func (s *Store) WriteClaimStatus(ctx context.Context, claimID string, status game.ClaimStatus) error {
	if !status.Resolved() {
		return fmt.Errorf("claim %s: cannot write non-final status %q", claimID, status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE claims SET status = ?, resolved_at = ? WHERE claim_id = ? AND status = 'pending'
`, status.String(), ts(time.Now().UTC()), claimID)
	if err != nil {
		return fmt.Errorf("write claim status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from already-resolved.
		if _, err := s.ReadClaim(ctx, claimID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrResolved
	}
	return nil
}

func scanClaim(rows *sql.Rows) (*game.ClaimRecord, error) {
	var (
		claim       game.ClaimRecord
		status      string
		submittedAt string
		resolvedAt  sql.NullString
	)
	err := rows.Scan(&claim.ID, &claim.SessionID, &claim.PlayerID, &claim.PlayerName, &claim.TicketID,
		&claim.WinPattern, &claim.GameNumber, &claim.CalledCount, &status, &submittedAt, &resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("scan claim: %w", err)
	}
	claim.Status = game.ParseClaimStatus(status)
	claim.SubmittedAt = parseTS(submittedAt)
	if resolvedAt.Valid {
		t := parseTS(resolvedAt.String)
		claim.ResolvedAt = &t
	}
	return &claim, nil
}

func emptyIfNil(numbers []int) []int {
	if numbers == nil {
		return []int{}
	}
	return numbers
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
