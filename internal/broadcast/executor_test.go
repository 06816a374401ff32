package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/telegram-broadcaster/internal/config"
	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/queue"
)

// =============================================================================
// EXECUTOR TESTS
// =============================================================================

type senderFunc func(ctx context.Context, accountID string, target domain.TargetGroup, text string) error

func (f senderFunc) Send(ctx context.Context, accountID string, target domain.TargetGroup, text string) error {
	return f(ctx, accountID, target, text)
}

func noopSender() Sender {
	return senderFunc(func(context.Context, string, domain.TargetGroup, string) error { return nil })
}

func testExecutor(t *testing.T, role string) (*Executor, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	cfg := config.Defaults()
	cfg.Role = role
	cfg.Broadcast.ContinuationBaseMS = 1000
	cfg.Broadcast.ContinuationJitterMS = 0

	exec := NewExecutor(db, nil, queue.NewStore(db, 3), noopSender(), NewGovernor(100, 0), cfg)
	return exec, mock, func() { db.Close() }
}

func TestDecideOutcome(t *testing.T) {
	tests := []struct {
		name    string
		summary domain.RunSummary
		want    domain.Outcome
	}{
		{
			name:    "all sent",
			summary: domain.RunSummary{Sent: 5},
			want:    domain.OutcomeSent,
		},
		{
			name:    "failures without a single success",
			summary: domain.RunSummary{Failed: 3},
			want:    domain.OutcomeFailed,
		},
		{
			name:    "partial failure with work remaining is deferred",
			summary: domain.RunSummary{Sent: 2, Failed: 1, Pending: 2, ReadyPendingCount: 2},
			want:    domain.OutcomeDeferred,
		},
		{
			name:    "partial failure fully drained counts as sent",
			summary: domain.RunSummary{Sent: 2, Failed: 1},
			want:    domain.OutcomeSent,
		},
		{
			name:    "pending work defers",
			summary: domain.RunSummary{Sent: 1, Pending: 4, ReadyPendingCount: 4},
			want:    domain.OutcomeDeferred,
		},
		{
			name:    "in-flight work defers",
			summary: domain.RunSummary{Sent: 1, InFlight: 1},
			want:    domain.OutcomeDeferred,
		},
		{
			name: "rate-limited backlog with nothing ready",
			summary: domain.RunSummary{
				Sent: 1, Pending: 3,
				ProviderConstrainedDelay: true,
				NextDueInMs:              45000,
			},
			want: domain.OutcomeProviderConstrained,
		},
		{
			name: "rate-limited rows but some attempt still ready",
			summary: domain.RunSummary{
				Sent: 1, Pending: 3, ReadyPendingCount: 1,
				ProviderConstrainedDelay: true,
			},
			want: domain.OutcomeDeferred,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decideOutcome(&tt.summary); got != tt.want {
				t.Errorf("decideOutcome() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContinuationDelay(t *testing.T) {
	exec, _, cleanup := testExecutor(t, config.RoleWorker)
	defer cleanup()

	t.Run("ready pending wakes fast", func(t *testing.T) {
		delay, reason := exec.continuationDelay(&domain.RunSummary{
			Pending: 3, ReadyPendingCount: 3, NextDueInMs: 45000,
		})
		if reason != "ready-pending-fast" {
			t.Errorf("reason = %q, want ready-pending-fast", reason)
		}
		if delay != time.Second {
			t.Errorf("delay = %v, want 1s base", delay)
		}
	})

	t.Run("rate-limited backlog wakes exactly at next due", func(t *testing.T) {
		delay, reason := exec.continuationDelay(&domain.RunSummary{
			Pending: 2, NextDueInMs: 45000, ProviderConstrainedDelay: true,
		})
		if reason != "exact-next-due" {
			t.Errorf("reason = %q, want exact-next-due", reason)
		}
		if delay != 45*time.Second {
			t.Errorf("delay = %v, want exactly 45s (never clamped)", delay)
		}
	})

	t.Run("nothing scheduled falls back to base", func(t *testing.T) {
		delay, reason := exec.continuationDelay(&domain.RunSummary{InFlight: 1})
		if reason != "default-deferred" {
			t.Errorf("reason = %q, want default-deferred", reason)
		}
		if delay != time.Second {
			t.Errorf("delay = %v, want 1s base", delay)
		}
	})
}

func TestRun_NonWorkerRoleSkips(t *testing.T) {
	exec, mock, cleanup := testExecutor(t, config.RoleApp)
	defer cleanup()

	queuedAt := time.Now().UTC().Add(-2 * time.Second)
	res := exec.Run(context.Background(), domain.BroadcastPayload{
		UserID:     "owner-1",
		CampaignID: "camp-1",
		Message:    "hello",
		QueuedAt:   queuedAt,
	})

	if !res.Success {
		t.Error("Run() Success = false, want true for role skip")
	}
	if res.Outcome != domain.OutcomeSkippedNonWorker {
		t.Errorf("Outcome = %q, want %q", res.Outcome, domain.OutcomeSkippedNonWorker)
	}
	if res.LagMS < 1500 {
		t.Errorf("LagMS = %d, want queue lag recorded", res.LagMS)
	}
	// The role gate must come before any database work.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unexpected database access: %v", err)
	}
}

func campaignRows(message string, intervalSeconds int, isActive bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "message", "interval_seconds", "is_active", "last_run_at"}).
		AddRow("camp-1", "owner-1", message, intervalSeconds, isActive, nil)
}

func TestRun_InactiveCampaign(t *testing.T) {
	exec, mock, cleanup := testExecutor(t, config.RoleWorker)
	defer cleanup()

	mock.ExpectQuery("FROM broadcast_campaigns").
		WithArgs("camp-1").
		WillReturnRows(campaignRows("hello", 300, false))

	res := exec.Run(context.Background(), domain.BroadcastPayload{
		UserID: "owner-1", CampaignID: "camp-1", Message: "hello",
	})

	if !res.Success || res.Outcome != domain.OutcomeInactiveCampaign {
		t.Errorf("got success=%v outcome=%q, want clean inactive-campaign", res.Success, res.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestRun_DeletedCampaign(t *testing.T) {
	exec, mock, cleanup := testExecutor(t, config.RoleWorker)
	defer cleanup()

	mock.ExpectQuery("FROM broadcast_campaigns").
		WithArgs("camp-1").
		WillReturnError(sql.ErrNoRows)

	res := exec.Run(context.Background(), domain.BroadcastPayload{
		UserID: "owner-1", CampaignID: "camp-1", Message: "hello",
	})

	if !res.Success || res.Outcome != domain.OutcomeInactiveCampaign {
		t.Errorf("got success=%v outcome=%q, want inactive-campaign for a deleted row", res.Success, res.Outcome)
	}
}

func TestRun_StaleMessage(t *testing.T) {
	exec, mock, cleanup := testExecutor(t, config.RoleWorker)
	defer cleanup()

	mock.ExpectQuery("FROM broadcast_campaigns").
		WithArgs("camp-1").
		WillReturnRows(campaignRows("new text", 300, true))

	res := exec.Run(context.Background(), domain.BroadcastPayload{
		UserID: "owner-1", CampaignID: "camp-1", Message: "old text", IntervalSeconds: 300,
	})

	if !res.Success || res.Outcome != domain.OutcomeStaleMessage {
		t.Errorf("got success=%v outcome=%q, want stale-message", res.Success, res.Outcome)
	}
}

func TestRun_UserLockBusy(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	cfg := config.Defaults()
	cfg.Role = config.RoleWorker

	var sends int32
	sender := senderFunc(func(context.Context, string, domain.TargetGroup, string) error {
		atomic.AddInt32(&sends, 1)
		return nil
	})
	exec := NewExecutor(db, client, queue.NewStore(db, 3), sender, NewGovernor(100, 0), cfg)

	mock.ExpectQuery("FROM broadcast_campaigns").
		WithArgs("camp-1").
		WillReturnRows(campaignRows("hello", 300, true))

	// Another worker is mid-run for this user.
	if err := mr.Set(UserLockKeyPrefix+"owner-1", "other-worker"); err != nil {
		t.Fatalf("seed held lock: %v", err)
	}

	res := exec.Run(context.Background(), domain.BroadcastPayload{
		UserID: "owner-1", CampaignID: "camp-1", Message: "hello",
	})

	if !res.Success || res.Outcome != domain.OutcomeLockBusy {
		t.Errorf("got success=%v outcome=%q, want clean lock-busy", res.Success, res.Outcome)
	}
	if n := atomic.LoadInt32(&sends); n != 0 {
		t.Errorf("sender called %d times, want 0 while the lock is held", n)
	}
	// Nothing past the admission checks may touch the attempt table.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unexpected database access: %v", err)
	}
	// The losing run must leave the holder's lock in place.
	if got, _ := mr.Get(UserLockKeyPrefix + "owner-1"); got != "other-worker" {
		t.Errorf("lock value = %q, want the holder's token untouched", got)
	}
}

func TestRun_StaleInterval(t *testing.T) {
	exec, mock, cleanup := testExecutor(t, config.RoleWorker)
	defer cleanup()

	mock.ExpectQuery("FROM broadcast_campaigns").
		WithArgs("camp-1").
		WillReturnRows(campaignRows("hello", 600, true))

	res := exec.Run(context.Background(), domain.BroadcastPayload{
		UserID: "owner-1", CampaignID: "camp-1", Message: "hello", IntervalSeconds: 300,
	})

	if !res.Success || res.Outcome != domain.OutcomeStaleInterval {
		t.Errorf("got success=%v outcome=%q, want stale-interval", res.Success, res.Outcome)
	}
}

func TestHandle_BusinessOutcomesSettleTheJob(t *testing.T) {
	exec, _, cleanup := testExecutor(t, config.RoleApp)
	defer cleanup()

	payload, _ := json.Marshal(domain.BroadcastPayload{
		UserID: "owner-1", CampaignID: "camp-1", Message: "hello",
	})
	job := &domain.Job{JobID: "sched-camp-1-owner-1-42", Payload: payload}

	if err := exec.Handle(context.Background(), job); err != nil {
		t.Errorf("Handle() error = %v, want nil for a business-negative outcome", err)
	}
}

func TestHandle_InfrastructureErrorBubblesUp(t *testing.T) {
	exec, mock, cleanup := testExecutor(t, config.RoleWorker)
	defer cleanup()

	mock.ExpectQuery("FROM broadcast_campaigns").
		WithArgs("camp-1").
		WillReturnError(errors.New("connection refused"))

	payload, _ := json.Marshal(domain.BroadcastPayload{
		UserID: "owner-1", CampaignID: "camp-1", Message: "hello",
	})
	job := &domain.Job{JobID: "sched-camp-1-owner-1-42", Payload: payload}

	if err := exec.Handle(context.Background(), job); err == nil {
		t.Error("Handle() = nil, want error so the queue retries the job")
	}
}

func TestHandle_BadPayloadIsAnError(t *testing.T) {
	exec, _, cleanup := testExecutor(t, config.RoleWorker)
	defer cleanup()

	job := &domain.Job{JobID: "bad", Payload: []byte("{not json")}
	if err := exec.Handle(context.Background(), job); err == nil {
		t.Error("Handle() = nil, want decode error")
	}
}
