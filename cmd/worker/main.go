package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/telegram-broadcaster/internal/broadcast"
	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/queue"
	"github.com/ignite/telegram-broadcaster/internal/telegram"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("Starting Telegram Broadcaster (worker role)...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// The worker binary always runs the worker role, regardless of yaml.
	cfg.Role = config.RoleWorker

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancelPing()
	log.Println("Connected to database")

	// Redis (per-user broadcast locks)
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Printf("[Redis] WARNING: ping failed (%v), user locks fall back to Postgres advisory locks", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telegram client pool feeds the executor's sends.
	pool := telegram.NewPool(db, cfg.Telegram, cfg.RemoteGroups)

	// Send pacing: a global rolling window across all accounts, plus a
	// per-account pause after provider rate-limit hints.
	governor := broadcast.NewGovernor(cfg.Telegram.GlobalMPS, cfg.Telegram.InterSendDelay())

	store := queue.NewStore(db, cfg.Queue.JobMaxAttempts)
	executor := broadcast.NewExecutor(db, redisClient, store, pool, governor, cfg)

	dispatcher := queue.NewDispatcher(store, executor, cfg.Queue.Concurrency, cfg.Queue.JobBackoff())
	if err := dispatcher.Start(); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}

	// Background maintenance: reclaim jobs from crashed workers, prune old
	// terminal jobs, watch queue lag, and watch attempt-table health.
	recovery := queue.NewRecoveryWorker(db,
		time.Duration(cfg.Queue.StaleClaimSeconds)*time.Second,
		time.Duration(cfg.Queue.RetentionHours)*time.Hour)
	go recovery.Start(ctx)

	lagMonitor := queue.NewLagMonitor(store, time.Duration(cfg.Queue.LagAlertMS)*time.Millisecond)
	go lagMonitor.Start(ctx)

	health := broadcast.NewHealthMonitor(db, cfg.Broadcast.RetryStormThreshold, cfg.Broadcast.StuckInFlightThreshold)
	go health.Start(ctx)

	log.Printf("Worker running: %d dispatcher workers, global budget %d msg/s", cfg.Queue.Concurrency, cfg.Telegram.GlobalMPS)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	dispatcher.Stop()
	pool.StopAll()
	log.Println("Worker stopped")
}
