package realtime

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bingohall/backend/internal/game"
)

// fakeProgress is a ProgressReader backed by a settable Progress value.
type fakeProgress struct {
	mu       sync.Mutex
	progress game.Progress
	err      error
	reads    int
}

func (f *fakeProgress) ReadSessionProgress(ctx context.Context, sessionID string) (game.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return game.Progress{}, f.err
	}
	return game.Progress{
		CalledNumbers:     append([]int(nil), f.progress.CalledNumbers...),
		CurrentWinPattern: f.progress.CurrentWinPattern,
		CurrentGameNumber: f.progress.CurrentGameNumber,
	}, nil
}

func (f *fakeProgress) set(p game.Progress) {
	f.mu.Lock()
	f.progress = p
	f.mu.Unlock()
}

func TestMergeLongerListWins(t *testing.T) {
	tests := []struct {
		name     string
		current  []int
		incoming []int
		want     []int
	}{
		{"longer replaces", []int{4, 12}, []int{4, 12, 31}, []int{4, 12, 31}},
		{"equal length ignored", []int{4, 12}, []int{7, 9}, []int{4, 12}},
		{"shorter ignored", []int{4, 12, 31}, []int{4, 12}, []int{4, 12, 31}},
		{"empty incoming ignored", []int{4}, nil, []int{4}},
		{"first snapshot accepted", nil, []int{4}, []int{4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReconciler(&fakeProgress{}, 0)
			r.Start("s1")
			r.ApplyBroadcast(tc.current, "one-line", 1)
			r.ApplyBroadcast(tc.incoming, "one-line", 1)
			if got := r.CalledNumbers(); !reflect.DeepEqual(got, tc.want) && !(len(got) == 0 && len(tc.want) == 0) {
				t.Errorf("CalledNumbers = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMergeNotifiesOncePerAcceptedUpdate(t *testing.T) {
	r := NewReconciler(&fakeProgress{}, 0)
	r.Start("s1")

	var calls int
	var gotLast int
	var gotList []int
	r.OnUpdate(func(p game.Progress, last int) {
		calls++
		gotLast = last
		gotList = p.CalledNumbers
	})

	r.ApplyBroadcast([]int{4, 12, 31}, "one-line", 1)
	// A stale shorter snapshot must not notify.
	r.ApplyBroadcast([]int{4, 12}, "one-line", 1)

	if calls != 1 {
		t.Fatalf("listener invoked %d times, want 1", calls)
	}
	if gotLast != 31 {
		t.Errorf("lastCalled = %d, want 31", gotLast)
	}
	if want := []int{4, 12, 31}; !reflect.DeepEqual(gotList, want) {
		t.Errorf("progress list = %v, want %v", gotList, want)
	}
}

func TestMergeInheritsPatternAndGameNumber(t *testing.T) {
	r := NewReconciler(&fakeProgress{}, 0)
	r.Start("s1")
	r.ApplyBroadcast([]int{4}, "two-lines", 2)

	// A number-called snapshot carries only the list.
	r.ApplyBroadcast([]int{4, 9}, "", 0)

	got := r.Current()
	if got.CurrentWinPattern != "two-lines" || got.CurrentGameNumber != 2 {
		t.Errorf("inherited state = %q/%d, want two-lines/2", got.CurrentWinPattern, got.CurrentGameNumber)
	}
}

func TestApplyResetShrinksList(t *testing.T) {
	r := NewReconciler(&fakeProgress{}, 0)
	r.Start("s1")
	r.ApplyBroadcast([]int{4, 12, 31}, "one-line", 1)

	r.ApplyReset("two-lines", 2)

	got := r.Current()
	if len(got.CalledNumbers) != 0 {
		t.Errorf("called numbers after reset = %v, want empty", got.CalledNumbers)
	}
	if got.CurrentWinPattern != "two-lines" || got.CurrentGameNumber != 2 {
		t.Errorf("state after reset = %q/%d, want two-lines/2", got.CurrentWinPattern, got.CurrentGameNumber)
	}
}

func TestReconcileMergesAuthoritativeState(t *testing.T) {
	storage := &fakeProgress{}
	storage.set(game.Progress{CalledNumbers: []int{4, 12, 31, 60}, CurrentWinPattern: "one-line", CurrentGameNumber: 1})

	r := NewReconciler(storage, 0)
	r.Start("s1")
	r.ApplyBroadcast([]int{4, 12}, "one-line", 1)

	r.Reconcile(context.Background())

	if want := []int{4, 12, 31, 60}; !reflect.DeepEqual(r.CalledNumbers(), want) {
		t.Errorf("CalledNumbers after reconcile = %v, want %v", r.CalledNumbers(), want)
	}
}

func TestReconcileToleratesStorageFailure(t *testing.T) {
	storage := &fakeProgress{err: errors.New("db locked")}
	r := NewReconciler(storage, 0)
	r.Start("s1")
	r.ApplyBroadcast([]int{4, 12}, "one-line", 1)

	r.Reconcile(context.Background())

	// Prior state survives the failed fetch.
	if want := []int{4, 12}; !reflect.DeepEqual(r.CalledNumbers(), want) {
		t.Errorf("CalledNumbers after failed reconcile = %v, want %v", r.CalledNumbers(), want)
	}
}

func TestReconcileNoSessionIsNoop(t *testing.T) {
	storage := &fakeProgress{}
	r := NewReconciler(storage, 0)

	r.Reconcile(context.Background())

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if storage.reads != 0 {
		t.Errorf("unbound reconciler hit storage %d times, want 0", storage.reads)
	}
}

func TestPeriodicReconcileRuns(t *testing.T) {
	storage := &fakeProgress{}
	storage.set(game.Progress{CalledNumbers: []int{4}, CurrentWinPattern: "one-line", CurrentGameNumber: 1})

	r := NewReconciler(storage, 20*time.Millisecond)
	r.Start("s1")
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.CalledNumbers()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("periodic reconcile never merged the stored state")
}

func TestOnUpdateRemovalIsIdempotent(t *testing.T) {
	r := NewReconciler(&fakeProgress{}, 0)
	r.Start("s1")

	var calls int
	remove := r.OnUpdate(func(game.Progress, int) { calls++ })
	remove()
	remove()

	r.ApplyBroadcast([]int{4}, "one-line", 1)
	if calls != 0 {
		t.Errorf("removed listener invoked %d times, want 0", calls)
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	r := NewReconciler(&fakeProgress{}, 0)
	r.Start("s1")
	r.ApplyBroadcast([]int{4, 12}, "one-line", 1)

	got := r.Current()
	got.CalledNumbers[0] = 99

	if r.CalledNumbers()[0] != 4 {
		t.Error("mutating the returned snapshot changed internal state")
	}
}
