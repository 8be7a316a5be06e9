package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"storewatch/internal/alert"
	"storewatch/internal/api"
	"storewatch/internal/config"
	"storewatch/internal/locker"
	"storewatch/internal/platform"
	"storewatch/internal/ratelimit"
	"storewatch/internal/store"
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
		signal.Notify(ch, os.Interrupt)
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
	limiter := ratelimit.NewIngressLimiter(redisClient, cfg.IngressRateCapacity, cfg.IngressRateRefill, time.Hour)

	// The API carries its own dispatcher for the fire-and-forget drain after
	// enqueue; the worker's polling loop is the durable safety net.
	fetcher := platform.NewClient(cfg.PlatformAPIBase, cfg.PlatformAPIToken, 0)
	processor := worker.NewProcessor(cfg, worker.Deps{
		Jobs:     st,
		Events:   st,
		Snaps:    st,
		Settings: st,
		Fetch:    fetcher,
		Locks:    locker.New(redisClient, cfg.EntityLockTTL),
		Policy:   alert.NewPolicy(st, cfg.AlertRateLimit, cfg.AlertRateWindow),
		Notify:   alert.NewWebhookNotifier(0),
	})

	server := api.New(cfg, st, limiter, processor)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
