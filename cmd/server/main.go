package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bingohall/backend/internal/config"
	"github.com/bingohall/backend/internal/demo"
	"github.com/bingohall/backend/internal/health"
	"github.com/bingohall/backend/internal/hub"
	"github.com/bingohall/backend/internal/realtime"
	"github.com/bingohall/backend/internal/store"
)

func main() {
	demoMode := flag.Bool("demo", false, "Run a simulated caller/player session")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	dbPath := flag.String("db", "", "Override storage path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config file at %s, using defaults", *configPath)
			cfg = config.Default()
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	h := hub.New(cfg.Server.MaxClients)
	reporter := health.NewReporter()
	server := hub.NewServer(h, st, reporter, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)

	if *demoMode {
		log.Println("Starting in demo mode (simulated session)")
		rt := realtime.Config{
			Heartbeat: realtime.HeartbeatConfig{
				Interval:    cfg.Realtime.HeartbeatInterval.Std(),
				MaxAttempts: cfg.Realtime.ReconnectMaxAttempts,
				BaseDelay:   cfg.Realtime.ReconnectBaseDelay.Std(),
				MaxDelay:    cfg.Realtime.ReconnectMaxDelay.Std(),
				Cooldown:    cfg.Realtime.ReconnectCooldown.Std(),
			},
			ReconcileInterval: cfg.Realtime.ReconcileInterval.Std(),
			StabilizeHold:     cfg.Realtime.StabilizeHold.Std(),
		}
		runner := demo.NewRunner(st, 0, rt)
		runner.Start(ctx)
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		st.Close()
		os.Exit(0)
	}()

	if err := hub.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
