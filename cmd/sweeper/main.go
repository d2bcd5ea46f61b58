package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fetchdeck/internal/config"
	"fetchdeck/internal/maintenance"
	"fetchdeck/internal/store"
)

// The sweeper is the time-based trigger for the maintenance sweeps: expired
// ephemeral records on one cadence, usage-counter resets on another. Every
// sweep is idempotent, so overlapping or repeated runs are harmless.
func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("run migrations", zap.Error(err))
	}

	sweeper := maintenance.NewSweeper(st, st, maintenance.DefaultKinds, log)

	log.Info("sweeper started",
		zap.Duration("expired_interval", cfg.ExpiredSweepInterval),
		zap.Duration("reset_interval", cfg.ResetCheckInterval))
	run(ctx, sweeper, cfg.ExpiredSweepInterval, cfg.ResetCheckInterval, log)
}

func run(ctx context.Context, sweeper *maintenance.Sweeper, expiredEvery, resetEvery time.Duration, log *zap.Logger) {
	expiredTicker := time.NewTicker(expiredEvery)
	defer expiredTicker.Stop()
	resetTicker := time.NewTicker(resetEvery)
	defer resetTicker.Stop()

	// Run each sweep once at startup so a crashed period is caught up.
	sweepExpired(ctx, sweeper, log)
	sweepResets(ctx, sweeper, log)

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiredTicker.C:
			sweepExpired(ctx, sweeper, log)
		case <-resetTicker.C:
			sweepResets(ctx, sweeper, log)
		}
	}
}

func sweepExpired(ctx context.Context, sweeper *maintenance.Sweeper, log *zap.Logger) {
	if _, err := sweeper.SweepExpired(ctx); err != nil {
		log.Error("expired sweep failed", zap.Error(err))
	}
}

func sweepResets(ctx context.Context, sweeper *maintenance.Sweeper, log *zap.Logger) {
	if _, err := sweeper.ResetDaily(ctx); err != nil {
		log.Error("daily reset failed", zap.Error(err))
	}
	if _, err := sweeper.ResetMonthly(ctx); err != nil {
		log.Error("monthly reset failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
