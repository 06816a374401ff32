package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/telegram-broadcaster/internal/api"
	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/queue"
	"github.com/ignite/telegram-broadcaster/internal/repository/postgres"
	"github.com/ignite/telegram-broadcaster/internal/scheduler"
	"github.com/ignite/telegram-broadcaster/internal/service/access"
	"github.com/ignite/telegram-broadcaster/internal/service/campaigns"
	"github.com/ignite/telegram-broadcaster/internal/service/groups"
	"github.com/ignite/telegram-broadcaster/internal/telegram"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use,
// so a stale process occupying it fails fast instead of at first request.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("Starting Telegram Broadcaster (app role)...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.IsWorker() {
		log.Fatalf("BOT_ROLE=%s: the app binary must run with role %q (use cmd/worker for the worker role)", cfg.Role, config.RoleApp)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

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
		log.Fatalf("Failed to ping database at %s: %v", extractHost(cfg.Database.URL), err)
	}
	cancelPing()
	log.Printf("Connected to database at %s", extractHost(cfg.Database.URL))

	// Redis (scheduler leader election)
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Printf("[Redis] WARNING: ping failed (%v), scheduler falls back to Postgres advisory locks", err)
	}

	// Job queue + scheduler
	store := queue.NewStore(db, cfg.Queue.JobMaxAttempts)
	sched := scheduler.New(db, redisClient, store, cfg.Scheduler)
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Telegram client pool + login (the app role serves logins and dialog
	// listings; broadcast sends run in the worker role)
	pool := telegram.NewPool(db, cfg.Telegram, cfg.RemoteGroups)
	login := telegram.NewLoginManager(db, cfg.Telegram, pool)

	// Services
	groupSvc := groups.NewService(postgres.NewGroupRepo(db))
	campaignSvc := campaigns.NewService(postgres.NewCampaignRepo(db))
	accessSvc := access.NewService(postgres.NewAccessRepo(db), cfg.Access.OwnerUserID, cfg.Access.SuperAdmins)

	server := api.NewServer(cfg.Server, api.Deps{
		Groups:    groupSvc,
		Campaigns: campaignSvc,
		Access:    accessSvc,
		Login:     login,
		Pool:      pool,
		Queue:     store,
		Scheduler: sched,
	})

	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	go func() {
		log.Printf("API server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err.Error() != "http: Server closed" {
			log.Fatalf("API server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}
	sched.Stop()
	login.Stop()
	pool.StopAll()
	log.Println("Server stopped")
}
