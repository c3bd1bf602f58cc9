package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bingohall/backend/internal/game"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestSession(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateSession(context.Background(), &game.Session{
		ID:                id,
		HostName:          "host",
		Lifecycle:         game.Active,
		CurrentWinPattern: "one-line",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestCreateAndReadSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	got, err := s.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if got.ID != "s1" || got.HostName != "host" {
		t.Errorf("session = %+v", got)
	}
	if got.Lifecycle != game.Active {
		t.Errorf("lifecycle = %s, want active", got.Lifecycle)
	}
	if got.CurrentGameNumber != 1 {
		t.Errorf("game number defaulted to %d, want 1", got.CurrentGameNumber)
	}
	if len(got.CalledNumbers) != 0 {
		t.Errorf("new session has called numbers: %v", got.CalledNumbers)
	}
	if got.EndedAt != nil {
		t.Error("new session has ended_at set")
	}
}

func TestReadSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ReadSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadSessionProgress(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("progress err = %v, want ErrNotFound", err)
	}
}

func TestWriteCalledNumbersRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	want := []int{4, 12, 31, 60}
	if err := s.WriteCalledNumbers(ctx, "s1", want); err != nil {
		t.Fatalf("write called numbers: %v", err)
	}

	progress, err := s.ReadSessionProgress(ctx, "s1")
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if !reflect.DeepEqual(progress.CalledNumbers, want) {
		t.Errorf("called numbers = %v, want %v", progress.CalledNumbers, want)
	}
	if progress.CurrentWinPattern != "one-line" || progress.CurrentGameNumber != 1 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestWriteCalledNumbersMissingSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteCalledNumbers(context.Background(), "missing", []int{1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionStateAdvancesGame(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	if err := s.WriteCalledNumbers(ctx, "s1", []int{4, 12}); err != nil {
		t.Fatalf("write called numbers: %v", err)
	}

	if err := s.UpdateSessionState(ctx, "s1", game.Active, 2, "two-lines", true); err != nil {
		t.Fatalf("update state: %v", err)
	}

	got, err := s.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if got.CurrentGameNumber != 2 || got.CurrentWinPattern != "two-lines" {
		t.Errorf("progression = %d/%q, want 2/two-lines", got.CurrentGameNumber, got.CurrentWinPattern)
	}
	if len(got.CalledNumbers) != 0 {
		t.Errorf("called numbers not reset for the new game: %v", got.CalledNumbers)
	}
}

func TestUpdateSessionStateEndStampsEndedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	if err := s.UpdateSessionState(ctx, "s1", game.Ended, 1, "one-line", false); err != nil {
		t.Fatalf("update state: %v", err)
	}

	got, err := s.ReadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if got.Lifecycle != game.Ended {
		t.Errorf("lifecycle = %s, want ended", got.Lifecycle)
	}
	if got.EndedAt == nil {
		t.Fatal("ended_at not stamped")
	}
	if time.Since(*got.EndedAt) > time.Minute {
		t.Errorf("ended_at implausible: %v", got.EndedAt)
	}
}

func TestInsertClaimRejectedWithoutSession(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertClaim(context.Background(), &game.ClaimRecord{
		ID:        "c1",
		SessionID: "missing",
		PlayerID:  "p1",
		TicketID:  "t1",
		Status:    game.ClaimPending,
	})
	if err == nil {
		t.Error("claim for a nonexistent session was accepted")
	}
}

func TestClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")

	claims := []*game.ClaimRecord{
		{ID: "c1", SessionID: "s1", PlayerID: "p1", PlayerName: "ada", TicketID: "t1",
			WinPattern: "one-line", GameNumber: 1, CalledCount: 15, Status: game.ClaimPending,
			SubmittedAt: time.Now().UTC().Add(-2 * time.Second)},
		{ID: "c2", SessionID: "s1", PlayerID: "p2", PlayerName: "grace", TicketID: "t2",
			WinPattern: "one-line", GameNumber: 1, CalledCount: 15, Status: game.ClaimPending,
			SubmittedAt: time.Now().UTC().Add(-1 * time.Second)},
	}
	for _, c := range claims {
		if err := s.InsertClaim(ctx, c); err != nil {
			t.Fatalf("insert claim %s: %v", c.ID, err)
		}
	}

	pending, err := s.ReadUnresolvedClaims(ctx, "s1")
	if err != nil {
		t.Fatalf("read unresolved: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "c1" || pending[1].ID != "c2" {
		t.Fatalf("pending order wrong: %+v", pending)
	}

	if err := s.WriteClaimStatus(ctx, "c1", game.ClaimValidated); err != nil {
		t.Fatalf("resolve claim: %v", err)
	}

	got, err := s.ReadClaim(ctx, "c1")
	if err != nil {
		t.Fatalf("read claim: %v", err)
	}
	if got.Status != game.ClaimValidated {
		t.Errorf("status = %s, want validated", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not stamped")
	}

	pending, err = s.ReadUnresolvedClaims(ctx, "s1")
	if err != nil {
		t.Fatalf("read unresolved: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c2" {
		t.Errorf("pending after resolve = %+v, want only c2", pending)
	}
}

func TestWriteClaimStatusImmutableOnceResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "s1")
	claim := &game.ClaimRecord{ID: "c1", SessionID: "s1", PlayerID: "p1", TicketID: "t1",
		WinPattern: "one-line", GameNumber: 1, Status: game.ClaimPending}
	if err := s.InsertClaim(ctx, claim); err != nil {
		t.Fatalf("insert claim: %v", err)
	}
	if err := s.WriteClaimStatus(ctx, "c1", game.ClaimRejected); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	if err := s.WriteClaimStatus(ctx, "c1", game.ClaimValidated); !errors.Is(err, ErrResolved) {
		t.Errorf("second resolve err = %v, want ErrResolved", err)
	}
	// The verdict did not change.
	got, err := s.ReadClaim(ctx, "c1")
	if err != nil {
		t.Fatalf("read claim: %v", err)
	}
	if got.Status != game.ClaimRejected {
		t.Errorf("status flipped to %s after rejected write", got.Status)
	}
}

func TestWriteClaimStatusRejectsNonFinal(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteClaimStatus(context.Background(), "c1", game.ClaimPending); err == nil {
		t.Error("writing a pending status was accepted")
	}
}

func TestWriteClaimStatusMissingClaim(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteClaimStatus(context.Background(), "missing", game.ClaimValidated); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
