// Command hexholdd runs the Hexhold game-loop daemon: the periodic
// scheduler, the worker pool, the stale-run janitor, and the inspection
// HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talgya/hexhold/internal/api"
	"github.com/talgya/hexhold/internal/config"
	"github.com/talgya/hexhold/internal/engine"
	"github.com/talgya/hexhold/internal/game"
	"github.com/talgya/hexhold/internal/loop"
	"github.com/talgya/hexhold/internal/queue"
	"github.com/talgya/hexhold/internal/world"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "hexhold.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// ── Database ──────────────────────────────────────────────────────
	games, err := game.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer games.Close()
	slog.Info("database opened", "path", cfg.Database.Path)

	states, err := loop.NewStore(games.DB(), nil)
	if err != nil {
		slog.Error("failed to init loop state store", "error", err)
		os.Exit(1)
	}
	ledger, err := loop.NewLedger(games.DB(), cfg.Ledger.TTL.Std(), cfg.Ledger.ClaimTTL.Std(), nil)
	if err != nil {
		slog.Error("failed to init idempotency ledger", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── World ─────────────────────────────────────────────────────────
	seeded, err := games.Seeded(ctx)
	if err != nil {
		slog.Error("failed to check world state", "error", err)
		os.Exit(1)
	}
	if !seeded {
		slog.Info("no world found, seeding...")
		genCfg := world.DefaultGenConfig()
		genCfg.Seed = cfg.World.Seed
		genCfg.Radius = cfg.World.Radius
		if err := games.SeedWorld(ctx, genCfg, 3); err != nil {
			slog.Error("failed to seed world", "error", err)
			os.Exit(1)
		}
	}

	// ── Queue and services ────────────────────────────────────────────
	q := queue.New(queue.Options{
		Workers:      cfg.Queue.Workers,
		Buffer:       cfg.Queue.Buffer,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBackoff: cfg.Queue.RetryBackoff.Std(),
	})

	producer := engine.NewProducer(games, ledger)
	ticker := engine.NewVillageTicker(games, states, ledger, q)
	orchestrator := engine.NewOrchestrator(games, states, ledger, q)
	engine.RegisterHandlers(q, orchestrator, ticker, producer)
	q.Start(ctx)

	trigger := engine.NewTrigger(states, q, nil)
	janitor := engine.NewJanitor(states, ledger,
		cfg.Scheduler.ReapAfter.Std(), cfg.Scheduler.CycleRetention.Std(), nil)

	// ── HTTP API ──────────────────────────────────────────────────────
	apiServer := &api.Server{
		Games:  games,
		States: states,
		Queue:  q,
		Port:   cfg.API.Port,
	}
	apiServer.Start()

	// ── Scheduler ─────────────────────────────────────────────────────
	go func() {
		tick := time.NewTicker(cfg.Scheduler.TickInterval.Std())
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if _, err := trigger.Tick(ctx); err != nil {
					slog.Error("scheduler tick failed", "error", err)
				}
			}
		}
	}()

	go func() {
		// Sweep at half the reap threshold so a stuck run blocks its
		// scope for at most 1.5x ReapAfter.
		sweep := time.NewTicker(cfg.Scheduler.ReapAfter.Std() / 2)
		defer sweep.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.C:
				if err := janitor.Sweep(ctx); err != nil {
					slog.Error("janitor sweep failed", "error", err)
				}
			}
		}
	}()

	slog.Info("hexhold daemon started",
		"tick_interval", cfg.Scheduler.TickInterval.Std(),
		"workers", cfg.Queue.Workers,
		"api_port", cfg.API.Port,
	)

	// ── Shutdown ──────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	cancel()
	q.Drain()
	slog.Info("daemon stopped")
}
