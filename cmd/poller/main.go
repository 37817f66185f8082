package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/rgs-wallet-gateway/internal/config"
	"github.com/richardliu001/rgs-wallet-gateway/internal/logger"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"github.com/richardliu001/rgs-wallet-gateway/internal/security"
	"github.com/richardliu001/rgs-wallet-gateway/internal/webhook"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("invalid config: %w", err))
	}

	log, err := logger.NewLoggerWithLevel(cfg.Server.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	// The poller never reads the response cache.
	repository := repo.NewRepository(gdb, nil, cfg.Redis.ResponseTTL, log)

	signer, err := security.NewSigner(cfg.HMAC.Secret, cfg.HMAC.Tolerance)
	if err != nil {
		log.Fatalf("hmac signer: %v", err)
	}

	var queue webhook.Queue
	switch cfg.Queue.Backend {
	case "kafka":
		queue = webhook.NewKafkaQueue(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, log)
	default:
		queue = webhook.NewChanQueue(cfg.Queue.Capacity, log)
	}
	defer queue.Close()

	disp := webhook.NewDispatcher(repository, queue, signer, webhook.Options{
		Timeout:           cfg.Webhook.Timeout,
		RetryDelays:       cfg.Webhook.RetryDelays,
		BatchSize:         cfg.Webhook.BatchSize,
		PollInterval:      cfg.Webhook.PollInterval,
		ClaimTimeout:      cfg.Webhook.ClaimTimeout,
		Retention:         cfg.Webhook.Retention,
		RetentionInterval: cfg.Webhook.RetentionInterval,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go disp.Run(ctx)

	log.Infof("wallet-poller started (queue=%s, workers=%d)", cfg.Queue.Backend, cfg.Webhook.Workers)
	if err := queue.Consume(ctx, cfg.Webhook.Workers, disp.Handle); err != nil && ctx.Err() == nil {
		log.Fatalf("consume: %v", err)
	}
	log.Info("wallet-poller stopped")
}
