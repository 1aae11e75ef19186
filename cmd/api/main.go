package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"campaign-engine/internal/api"
	"campaign-engine/internal/campaign"
	"campaign-engine/internal/config"
	"campaign-engine/internal/media"
	"campaign-engine/internal/progress"
	"campaign-engine/internal/queue"
	"campaign-engine/internal/ratelimit"
	"campaign-engine/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logrus.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logrus.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTenantLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	hub := progress.NewHub(redisClient)
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.Errorf("progress hub stopped: %v", err)
		}
	}()

	mediaStore, err := media.NewStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("init media store: %v", err)
	}

	svc := campaign.NewService(st, q, cfg.MinDelayFloor)
	server := api.New(cfg, svc, q, limiter, hub, mediaStore)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logrus.Infof("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("shutdown: %v", err)
	}
}

func setupLogging(cfg config.Config) {
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	if cfg.Env != "dev" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
