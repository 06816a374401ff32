package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

// =============================================================================
// JOB DISPATCHER - Background Workers over the Durable Job Store
// =============================================================================
// N workers each claim one due job at a time (SKIP LOCKED keeps them from
// colliding) and hand it to the Handler. Handler errors re-queue the job
// with backoff until its attempt budget runs out.

// Handler consumes one claimed job. A returned error means the job did not
// complete and should be retried; completed work returns nil even when the
// business result was negative.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) error
}

// Dispatcher runs the worker pool that drains the job store.
type Dispatcher struct {
	store   *Store
	handler Handler

	workerID    string
	concurrency int
	backoff     time.Duration

	// Stats
	totalClaimed int64
	totalDone    int64
	totalFailed  int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(store *Store, handler Handler, concurrency int, backoff time.Duration) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 8
	}
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Dispatcher{
		store:       store,
		handler:     handler,
		workerID:    fmt.Sprintf("dispatcher-%s", uuid.New().String()[:8]),
		concurrency: concurrency,
		backoff:     backoff,
	}
}

// Start begins the dispatcher workers.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	log.Printf("[Dispatcher] Starting %d workers (worker_id=%s)", d.concurrency, d.workerID)

	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	return nil
}

// Stop gracefully stops the dispatcher, waiting for in-flight jobs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	log.Println("[Dispatcher] Stopping workers...")
	d.wg.Wait()

	log.Printf("[Dispatcher] Stopped. Claimed: %d, done: %d, failed: %d",
		atomic.LoadInt64(&d.totalClaimed),
		atomic.LoadInt64(&d.totalDone),
		atomic.LoadInt64(&d.totalFailed))
}

// Stats returns current dispatch statistics.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"total_claimed": atomic.LoadInt64(&d.totalClaimed),
		"total_done":    atomic.LoadInt64(&d.totalDone),
		"total_failed":  atomic.LoadInt64(&d.totalFailed),
	}
}

// worker is the claim-and-handle loop for a single worker.
func (d *Dispatcher) worker(workerNum int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
			job, err := d.claimOne()
			if err != nil {
				log.Printf("[Dispatcher %d] Error claiming job: %v", workerNum, err)
				d.sleep(time.Second)
				continue
			}

			if job == nil {
				d.sleep(100 * time.Millisecond)
				continue
			}

			atomic.AddInt64(&d.totalClaimed, 1)
			d.processJob(workerNum, job)
		}
	}
}

func (d *Dispatcher) claimOne() (*domain.Job, error) {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	return d.store.ClaimOne(ctx, d.workerID)
}

// processJob runs the handler for one claimed job and settles its row.
func (d *Dispatcher) processJob(workerNum int, job *domain.Job) {
	// The budget covers a full executor pass: per-account pacing between
	// sends dominates, not the sends themselves.
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Minute)
	defer cancel()

	err := d.handler.Handle(ctx, job)
	if err != nil {
		atomic.AddInt64(&d.totalFailed, 1)
		log.Printf("[Dispatcher %d] Job %s failed (attempt %d/%d): %v",
			workerNum, job.JobID, job.Attempts, job.MaxAttempts, err)

		settleCtx, settleCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer settleCancel()
		if ferr := d.store.Fail(settleCtx, job, err.Error(), d.backoff); ferr != nil {
			log.Printf("[Dispatcher %d] Error recording failure for job %s: %v", workerNum, job.JobID, ferr)
		}
		return
	}

	atomic.AddInt64(&d.totalDone, 1)
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer settleCancel()
	if cerr := d.store.Complete(settleCtx, job.ID); cerr != nil {
		log.Printf("[Dispatcher %d] Error completing job %s: %v", workerNum, job.JobID, cerr)
	}
}

// sleep waits for the given duration or until shutdown, whichever is first.
func (d *Dispatcher) sleep(dur time.Duration) {
	select {
	case <-d.ctx.Done():
	case <-time.After(dur):
	}
}
