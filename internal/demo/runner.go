// Package demo drives a simulated bingo session through a real coordinator
// stack: one caller and two players on an in-process broker, persisting to
// the real store. Used by the -demo server flag to exercise the full
// call/claim/advance round trip without any console attached.
package demo

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/bingohall/backend/internal/console"
	"github.com/bingohall/backend/internal/game"
	"github.com/bingohall/backend/internal/realtime"
	"github.com/bingohall/backend/internal/store"
	"github.com/bingohall/backend/internal/transport"
)

var demoPatterns = []string{"one-line", "two-lines", "full-house"}

// demoProgression walks the fixed pattern list, starting a new game after
// full-house and ending the session after three games.
func demoProgression(currentGame int, currentPattern string) game.ProgressionDecision {
	for i, p := range demoPatterns {
		if p == currentPattern && i+1 < len(demoPatterns) {
			return game.ProgressionDecision{
				NextGameNumber: currentGame,
				NextWinPattern: demoPatterns[i+1],
			}
		}
	}
	if currentGame >= 3 {
		return game.ProgressionDecision{
			NextGameNumber: currentGame,
			NextWinPattern: currentPattern,
			SessionOver:    true,
		}
	}
	return game.ProgressionDecision{
		NextGameNumber: currentGame + 1,
		NextWinPattern: demoPatterns[0],
		NewGame:        true,
	}
}

type Runner struct {
	store    *store.Store
	interval time.Duration
	rt       realtime.Config
}

func NewRunner(st *store.Store, interval time.Duration, rt realtime.Config) *Runner {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Runner{store: st, interval: interval, rt: rt}
}

// Start creates a session and runs the simulation until the context ends
// or the session finishes.
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	sessionID := "demo-" + uuid.NewString()[:8]
	sess := &game.Session{
		ID:                sessionID,
		HostName:          "demo-caller",
		Lifecycle:         game.Active,
		CurrentGameNumber: 1,
		CurrentWinPattern: demoPatterns[0],
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		log.Printf("demo: create session failed: %v", err)
		return
	}
	log.Printf("demo: session %s started", sessionID)

	broker := transport.NewMemoryBroker()
	cfg := r.rt

	callerCoord := realtime.NewCoordinator(broker.Connect(), r.store, cfg)
	callerCoord.Connect(ctx, sessionID)
	caller := console.NewCaller(callerCoord, r.store, demoProgression)

	players := make([]*console.Player, 0, 2)
	for _, name := range []string{"ada", "grace"} {
		coord := realtime.NewCoordinator(broker.Connect(), r.store, cfg)
		player := console.NewPlayer(coord, r.store, uuid.NewString(), name)
		player.Join(ctx, sessionID)
		player.OnNumberCalled(func(progress game.Progress, last int) {
			log.Printf("demo: %s sees number %d (%d called)", name, last, len(progress.CalledNumbers))
		})
		players = append(players, player)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	tick := 0
	for {
		select {
		case <-ctx.Done():
			caller.EndSession(context.Background(), sessionID)
			return
		case <-ticker.C:
		}
		tick++

		called := callerCoord.Reconciler().CalledNumbers()
		if len(called) >= 15 {
			// Pattern "completed": let a player claim, resolve it, advance.
			claim, res := players[rng.Intn(len(players))].SubmitClaim(ctx, sessionID, "ticket-"+uuid.NewString()[:8])
			if !res.Persisted {
				continue
			}
			caller.ResolveClaim(ctx, sessionID, claim.ID, game.ClaimValidated)
			adv := caller.AdvanceGame(ctx, sessionID)
			if adv.Err != nil {
				log.Printf("demo: advance failed: %v", adv.Err)
				continue
			}
			progress := callerCoord.Reconciler().Current()
			if progress.CurrentGameNumber >= 3 && progress.CurrentWinPattern == demoPatterns[len(demoPatterns)-1] {
				log.Printf("demo: session %s complete", sessionID)
				caller.EndSession(ctx, sessionID)
				for _, p := range players {
					p.Leave(ctx)
				}
				return
			}
			continue
		}

		number := r.pickNumber(rng, called)
		if res := caller.CallNumber(ctx, sessionID, number); res.Err != nil {
			log.Printf("demo: call number failed: %v", res.Err)
		}
	}
}

func (r *Runner) pickNumber(rng *rand.Rand, called []int) int {
	taken := make(map[int]bool, len(called))
	for _, n := range called {
		taken[n] = true
	}
	for {
		n := rng.Intn(75) + 1
		if !taken[n] {
			return n
		}
	}
}
