package scheduler

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/queue"
)

// =============================================================================
// SCHEDULER TESTS
// =============================================================================

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickMS:         5000,
		LockTTLSeconds: 55,
		EarlyFactor:    0.96,
		MaxDuePerTick:  500,
		JitterMaxMS:    15000,
	}
}

func setupScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	s := New(db, redisClient, queue.NewStore(db, 3), testConfig())
	cleanup := func() {
		redisClient.Close()
		mr.Close()
		db.Close()
	}
	return s, mock, mr, cleanup
}

func TestScheduler_StartStop(t *testing.T) {
	s, _, _, cleanup := setupScheduler(t)
	defer cleanup()

	if err := s.Start(); err != nil {
		t.Errorf("Start() error: %v", err)
	}

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		t.Error("Scheduler should be running after Start()")
	}

	// Double start should error
	if err := s.Start(); err == nil {
		t.Error("Double Start() should return error")
	}

	s.Stop()

	s.mu.RLock()
	running = s.running
	s.mu.RUnlock()
	if running {
		t.Error("Scheduler should not be running after Stop()")
	}
}

func TestScheduler_FollowerSkipsTick(t *testing.T) {
	s, mock, mr, cleanup := setupScheduler(t)
	defer cleanup()

	// Another instance holds the leader lock
	mr.Set(LockKey, "other-scheduler-token")
	mr.SetTTL(LockKey, 55*time.Second)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	s.tick()

	if s.IsLeader() {
		t.Error("Scheduler should not report leadership when the lock is held elsewhere")
	}
	if got := s.Stats()["ticks_led"]; got != 0 {
		t.Errorf("ticks_led = %d, want 0 for a follower", got)
	}
	// No DB traffic as a follower
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Follower touched the database: %v", err)
	}
}

func TestScheduler_TickDispatchesDueCampaigns(t *testing.T) {
	s, mock, mr, cleanup := setupScheduler(t)
	defer cleanup()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	recent := time.Now().UTC().Add(-10 * time.Second)
	mock.ExpectQuery("FROM broadcast_campaigns").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "message", "interval_seconds", "last_run_at"}).
			AddRow("camp-1", "owner-1", "hello", 300, nil).
			AddRow("camp-2", "owner-2", "world", 300, recent))

	// Only camp-1 is due (camp-2 ran 10s ago); one job insert, one batch stamp.
	mock.ExpectExec("INSERT INTO broadcast_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE broadcast_campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.tick()

	if !s.IsLeader() {
		t.Error("Scheduler should report leadership after winning the election")
	}
	if got := s.Stats()["campaigns_enqueued"]; got != 1 {
		t.Errorf("campaigns_enqueued = %d, want 1", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
	// The tick releases the leader lock on exit
	if mr.Exists(LockKey) {
		t.Error("Leader lock should be released after the tick")
	}
}

func TestScheduler_DedupedJobStillStampsLastRun(t *testing.T) {
	s, mock, _, cleanup := setupScheduler(t)
	defer cleanup()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	mock.ExpectQuery("FROM broadcast_campaigns").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "message", "interval_seconds", "last_run_at"}).
			AddRow("camp-1", "owner-1", "hello", 300, nil))

	// Queue already holds this slot's job: zero rows touched
	mock.ExpectExec("INSERT INTO broadcast_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE broadcast_campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.tick()

	if got := s.Stats()["jobs_deduped"]; got != 1 {
		t.Errorf("jobs_deduped = %d, want 1", got)
	}
	if got := s.Stats()["campaigns_enqueued"]; got != 0 {
		t.Errorf("campaigns_enqueued = %d, want 0", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestScheduler_IsDue(t *testing.T) {
	s, _, _, cleanup := setupScheduler(t)
	defer cleanup()

	now := time.Now().UTC()
	ago := func(d time.Duration) sql.NullTime {
		return sql.NullTime{Time: now.Add(-d), Valid: true}
	}

	tests := []struct {
		name      string
		interval  int
		lastRunAt sql.NullTime
		want      bool
	}{
		{"never ran", 300, sql.NullTime{}, true},
		{"past early threshold", 300, ago(288 * time.Second), true},
		{"inside interval", 300, ago(200 * time.Second), false},
		{"just under minimum floor", 60, ago(59 * time.Second), false},
		{"at minimum floor", 60, ago(60 * time.Second), true},
		{"long interval early fire", 3600, ago(3456 * time.Second), true},
		{"long interval too early", 3600, ago(3400 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dueCampaign{ID: "camp-1", UserID: "owner-1", IntervalSeconds: tt.interval, LastRunAt: tt.lastRunAt}
			if got := s.isDue(c, now); got != tt.want {
				t.Errorf("isDue(interval=%d) = %v, want %v", tt.interval, got, tt.want)
			}
		})
	}
}

// hasPrefixArg matches any string argument with the given prefix.
type hasPrefixArg struct {
	prefix string
}

func (a hasPrefixArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, a.prefix)
}

func TestScheduler_EmitsSlotKeyedJobID(t *testing.T) {
	s, mock, _, cleanup := setupScheduler(t)
	defer cleanup()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	mock.ExpectQuery("FROM broadcast_campaigns").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "user_id", "message", "interval_seconds", "last_run_at"}).
			AddRow("camp-1", "owner-1", "hello", 300, nil))

	// Job id is sched-<campaign>-<user>-<slot>; the slot suffix depends on
	// the wall clock, so match the stable prefix only.
	mock.ExpectExec("INSERT INTO broadcast_jobs").
		WithArgs(sqlmock.AnyArg(), hasPrefixArg{"sched-camp-1-owner-1-"},
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE broadcast_campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.tick()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
