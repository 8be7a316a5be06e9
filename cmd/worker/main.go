package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"storewatch/internal/alert"
	"storewatch/internal/config"
	"storewatch/internal/digest"
	"storewatch/internal/locker"
	"storewatch/internal/platform"
	"storewatch/internal/store"
	"storewatch/internal/telemetry"
	"storewatch/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("STOREWATCH_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

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
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	notifier := alert.NewWebhookNotifier(0)
	fetcher := platform.NewClient(cfg.PlatformAPIBase, cfg.PlatformAPIToken, 0)
	processor := worker.NewProcessor(cfg, worker.Deps{
		Jobs:     st,
		Events:   st,
		Snaps:    st,
		Settings: st,
		Fetch:    fetcher,
		Locks:    locker.New(redisClient, cfg.EntityLockTTL),
		Policy:   alert.NewPolicy(st, cfg.AlertRateLimit, cfg.AlertRateWindow),
		Notify:   notifier,
	})

	var archiver digest.Archiver
	if cfg.DigestBucket != "" {
		s3Archiver, err := digest.NewS3Archiver(ctx, cfg)
		if err != nil {
			log.Fatalf("init digest archiver: %v", err)
		}
		archiver = s3Archiver
	}
	compiler := digest.NewCompiler(st, st, notifier, archiver)
	go compiler.Run(ctx, cfg.DigestInterval)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started batch=%d stale_claim_timeout=%s suppression=%s",
		cfg.ClaimBatchSize, cfg.StaleClaimTimeout, cfg.SuppressionWindow)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
