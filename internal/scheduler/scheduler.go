// Package scheduler runs the single-threaded cooperative loop of
// spec.md §4.D: it selects the next batch, marks its tasks
// Processing, executes it, and records the outcome — always inside
// the store's single rw_txn writer.
//
// Grounded on the teacher's background run-loop idiom
// (internal/async/indexer.go: stop channel, done channel, lock file,
// Start/Stop/Wait), generalized from "run one indexing job in the
// background" to "repeatedly select and run the next batch forever".
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/store"
	"github.com/motiflabs/loam/internal/task"
)

// wakeChannelCapacity is the bound named in spec.md §5: "bounded
// channel, capacity 100".
const wakeChannelCapacity = 100

// Handler executes one selected Batch inside the open write
// transaction tx. It returns per-task details keyed by uid (used for
// the Succeeded task's `details` field) or an error that fails every
// task in the batch identically (spec.md §4.D "Failure").
type Handler interface {
	Execute(ctx context.Context, tx *store.RwTx, sb SelectedBatch) (details map[uint32]map[string]any, err error)
}

// Scheduler is the process-wide singleton loop for one store
// environment (spec.md §9 "Global state").
type Scheduler struct {
	env     *store.Env
	queue   *task.Queue
	handler Handler
	dataDir string
	log     *slog.Logger

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
}

// New constructs a Scheduler. dataDir is used only for the run-lock
// file (see Start), matching the teacher's per-job lock file.
func New(env *store.Env, q *task.Queue, handler Handler, dataDir string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		env:     env,
		queue:   q,
		handler: handler,
		dataDir: dataDir,
		log:     log,
		wake:    make(chan struct{}, wakeChannelCapacity),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Wake notifies the loop that a new task was enqueued (or any other
// condition it should re-check state for). Non-blocking: a full wake
// channel means a wake-up is already pending, which is equivalent.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop in a background goroutine. Non-blocking; call
// Wait or Stop to block until it exits.
func (s *Scheduler) Start(ctx context.Context, tick time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx, tick)
}

func (s *Scheduler) run(ctx context.Context, tick time.Duration) {
	defer close(s.doneCh)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	lockPath := filepath.Join(s.dataDir, "scheduler.lock")
	if err := os.MkdirAll(s.dataDir, 0o755); err == nil {
		_ = os.WriteFile(lockPath, []byte(time.Now().Format(time.RFC3339)), 0o644)
		defer func() { _ = os.Remove(lockPath) }()
	}

	var ticker *time.Ticker
	var tickC <-chan time.Time
	if tick > 0 {
		ticker = time.NewTicker(tick)
		tickC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-tickC:
		}

		for s.runOneBatch(ctx) {
			// Drain every ready batch before waiting again, so a burst
			// of enqueues does not each need its own wake-up round trip.
		}
	}
}

// runOneBatch selects and executes at most one batch. It returns true
// if a batch was found and executed (so the caller should immediately
// check for another), false if the queue had nothing to do.
func (s *Scheduler) runOneBatch(ctx context.Context) bool {
	if s.env.Poisoned() {
		s.log.Error("scheduler: store environment poisoned, loop suspended")
		return false
	}

	var selected *SelectedBatch
	err := s.env.RwTxn(func(tx *store.RwTx) error {
		sb, err := selectNextBatch(tx, s.queue)
		if err != nil {
			return err
		}
		selected = sb
		if selected == nil {
			return nil
		}
		for _, uid := range selected.UIDs {
			if err := s.queue.UpdateStatus(tx, uid, task.StatusProcessing, nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("scheduler: failed marking batch processing", slog.String("error", err.Error()))
		return false
	}
	if selected == nil {
		return false
	}

	s.execute(ctx, *selected)
	return true
}

// execute runs the handler in a fresh rw_txn and records the outcome.
// All tasks in the batch move to the same terminal state together
// (spec.md §8 property #2 "batch atomicity").
func (s *Scheduler) execute(ctx context.Context, sb SelectedBatch) {
	var details map[uint32]map[string]any
	handlerErr := s.env.RwTxn(func(tx *store.RwTx) error {
		d, err := s.handler.Execute(ctx, tx, sb)
		details = d
		if err != nil {
			return err // aborts this rw_txn; tasks below are marked Failed in a separate commit
		}
		for _, uid := range sb.UIDs {
			if err := s.queue.UpdateStatus(tx, uid, task.StatusSucceeded, details[uid], nil); err != nil {
				return err
			}
		}
		return nil
	})

	if handlerErr == nil {
		s.releaseContents(sb)
		return
	}

	s.log.Error("scheduler: batch execution failed", slog.String("index_uid", sb.IndexUID), slog.String("error", handlerErr.Error()))
	failErr := errors.Internal("batch execution failed", handlerErr)
	markErr := s.env.RwTxn(func(tx *store.RwTx) error {
		for _, uid := range sb.UIDs {
			if err := s.queue.UpdateStatus(tx, uid, task.StatusFailed, nil, failErr); err != nil {
				return err
			}
		}
		return nil
	})
	if markErr != nil {
		s.log.Error("scheduler: failed marking batch failed", slog.String("error", markErr.Error()))
	}
	s.releaseContents(sb)
}

func (s *Scheduler) releaseContents(sb SelectedBatch) {
	for _, uid := range sb.UIDs {
		t, err := s.queue.Get(uid)
		if err != nil {
			continue
		}
		if err := s.queue.ReleaseContent(t); err != nil {
			s.log.Warn("scheduler: failed releasing task content", slog.Uint64("uid", uint64(uid)), slog.String("error", err.Error()))
		}
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Wait blocks until the loop exits (e.g. via Stop or ctx cancellation).
func (s *Scheduler) Wait() {
	<-s.doneCh
}

// HasIncompleteLock reports whether a prior run crashed mid-batch,
// mirroring the teacher's HasIncompleteLock(dataDir) check.
func HasIncompleteLock(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, "scheduler.lock"))
	return err == nil
}
