package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"campaign-engine/internal/audience"
	"campaign-engine/internal/channel"
	"campaign-engine/internal/config"
	"campaign-engine/internal/distribution"
	"campaign-engine/internal/progress"
	"campaign-engine/internal/queue"
	"campaign-engine/internal/store"
	"campaign-engine/internal/telemetry"
	"campaign-engine/internal/throttle"
	"campaign-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	gateway := channel.NewGateway(cfg)
	spinner := channel.NewHTTPSpinner(cfg)
	resolver := audience.New(st, channel.NewGroupSync(gateway, st))
	policy := distribution.New(st)
	publisher := progress.NewRedisPublisher(redisClient)

	runner := worker.NewCampaignRunner(
		st,
		resolver,
		policy,
		gateway,
		spinner,
		throttle.New(cfg.BatchPauseDefault),
		q,
		publisher,
		cfg.VisibilityTimeout/2,
	)

	proc := worker.NewRunner(cfg, q, runner.Handle)
	proc.OnExhausted = runner.MarkFailed

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logrus.Errorf("metrics server stopped: %v", err)
		}
	}()

	logrus.Infof("worker started with concurrency=%d visibility=%s", cfg.WorkerConcurrency, cfg.VisibilityTimeout)
	if err := proc.Run(ctx); err != nil {
		logrus.Errorf("worker stopped: %v", err)
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
