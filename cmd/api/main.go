package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fetchdeck/internal/api"
	"fetchdeck/internal/config"
	"fetchdeck/internal/lifecycle"
	"fetchdeck/internal/maintenance"
	"fetchdeck/internal/ratelimit"
	"fetchdeck/internal/status"
	"fetchdeck/internal/store"
	"fetchdeck/internal/trigger"
)

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	limiter := ratelimit.New(st, st, cfg.RateLimits, cfg.DailyJobLimit, cfg.MonthlyJobLimit)
	dispatcher := trigger.NewRedisTrigger(rdb, cfg.TriggerKeyPrefix)
	publisher := status.NewRedisPublisher(rdb)
	manager := lifecycle.NewManager(st, st, limiter, dispatcher, publisher, log)
	reader := status.NewReader(st)
	watcher := status.NewWatcher(st, rdb, cfg.WatchPollInterval, log)
	sweeper := maintenance.NewSweeper(st, st, maintenance.DefaultKinds, log)

	server := api.New(manager, reader, watcher, limiter, sweeper, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
