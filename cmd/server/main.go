package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/config"
	"github.com/richardliu001/rgs-wallet-gateway/internal/logger"
	"github.com/richardliu001/rgs-wallet-gateway/internal/operator"
	"github.com/richardliu001/rgs-wallet-gateway/internal/ratelimit"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"github.com/richardliu001/rgs-wallet-gateway/internal/security"
	"github.com/richardliu001/rgs-wallet-gateway/internal/service"
	httptransport "github.com/richardliu001/rgs-wallet-gateway/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("invalid config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLoggerWithLevel(cfg.Server.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. repo & migrations
	repository := repo.NewRepository(gdb, rdb, cfg.Redis.ResponseTTL, log)
	if err := repository.Migrate(); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 6. operator client, signer, service
	op := operator.NewClient(operator.Options{
		BaseURL:     cfg.Operator.BaseURL,
		APIKey:      cfg.Operator.APIKey,
		Timeout:     cfg.Operator.Timeout,
		MaxAttempts: cfg.Operator.MaxAttempts,
		RetryDelays: cfg.Operator.RetryDelays,
	}, log)
	signer, err := security.NewSigner(cfg.HMAC.Secret, cfg.HMAC.Tolerance)
	if err != nil {
		log.Fatalf("hmac signer: %v", err)
	}
	svc := service.NewWalletService(repository, op, service.Options{
		WebhookURL:        cfg.Webhook.TargetURL,
		WebhookMaxRetries: cfg.Webhook.MaxRetries,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 7. reaper for transactions stranded in PROCESSING
	reaper := service.NewReaper(svc, op, cfg.Reaper.StaleAfter, cfg.Reaper.BatchSize, cfg.Operator.HistoryLimit, log)
	go reaper.Run(ctx, cfg.Reaper.Interval)

	// 8. admission control
	var limiter ratelimit.Limiter
	switch cfg.RateLimit.Backend {
	case "redis":
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window)
	default:
		limiter = ratelimit.NewLocal(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window)
	}

	// 9. gin router
	router := httptransport.NewRouter(svc, signer, limiter, log)

	// 10. serve
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("wallet-gateway listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
}
