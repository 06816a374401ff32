package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is one named mutual-exclusion slot shared across processes.
// An instance belongs to a single goroutine; concurrent holders each build
// their own instance for the same key.
type DistLock interface {
	// Acquire takes the slot without blocking. False means someone else
	// holds it right now.
	Acquire(ctx context.Context) (bool, error)
	// Release frees the slot, but only when this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock picks the backend for a lock key: Redis when a client is
// configured, otherwise Postgres advisory locks, so a deployment without
// Redis still gets cross-process exclusion from its one shared store.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// =============================================================================
// POSTGRES ADVISORY LOCK - Redis-less Fallback
// =============================================================================
// pg_try_advisory_lock holds for the lifetime of the session, so a crashed
// holder frees the slot when its connection drops. That is the same safety
// the Redis TTL gives, minus the fixed expiry.

// PGAdvisoryLock is a DistLock over a Postgres session advisory lock.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock hashes the key into the int64 space advisory locks use.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release frees the advisory lock on the session that took it.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
