package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiflabs/loam/internal/store"
	"github.com/motiflabs/loam/internal/task"
)

func newTestScheduler(t *testing.T, h Handler) (*Scheduler, *task.Queue) {
	t.Helper()
	dir := t.TempDir()
	env, err := store.OpenEnv(filepath.Join(dir, "tasks.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	q := task.NewQueue(env, dir)
	return New(env, q, h, dir, nil), q
}

// recordingHandler remembers every SelectedBatch it was asked to
// execute, in order, and either succeeds or fails per failNext.
type recordingHandler struct {
	mu       sync.Mutex
	executed []SelectedBatch
	failNext bool
}

func (h *recordingHandler) Execute(ctx context.Context, tx *store.RwTx, sb SelectedBatch) (map[uint32]map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executed = append(h.executed, sb)
	if h.failNext {
		h.failNext = false
		return nil, errors.New("handler exploded")
	}
	details := make(map[uint32]map[string]any, len(sb.UIDs))
	for _, uid := range sb.UIDs {
		details[uid] = map[string]any{"ok": true}
	}
	return details, nil
}

func (h *recordingHandler) calls() []SelectedBatch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SelectedBatch(nil), h.executed...)
}

func TestSelectNextBatch_CancelationOutranksEverything(t *testing.T) {
	h := &recordingHandler{}
	s, q := newTestScheduler(t, h)

	idx := "movies"
	_, err := q.Enqueue(task.KindDocumentAddOrUpdate, &idx, map[string]any{"method": "replace"}, nil)
	require.NoError(t, err)
	cancelUID, err := q.Cancel(task.Filter{})
	require.NoError(t, err)

	ran := s.runOneBatch(context.Background())
	require.True(t, ran)

	calls := h.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonCancelation, calls[0].Reason)
	assert.Equal(t, []uint32{cancelUID}, calls[0].UIDs)
}

func TestSelectNextBatch_DeletionOutranksSnapshotAndAutobatch(t *testing.T) {
	h := &recordingHandler{}
	s, q := newTestScheduler(t, h)

	idx := "movies"
	_, err := q.Enqueue(task.KindSnapshotCreation, nil, nil, nil)
	require.NoError(t, err)
	deleteUID, err := q.Delete(task.Filter{})
	require.NoError(t, err)
	_, err = q.Enqueue(task.KindDocumentAddOrUpdate, &idx, map[string]any{"method": "replace"}, nil)
	require.NoError(t, err)

	require.True(t, s.runOneBatch(context.Background()))

	calls := h.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonDeletion, calls[0].Reason)
	assert.Equal(t, []uint32{deleteUID}, calls[0].UIDs)
}

func TestSelectNextBatch_SnapshotsCoalesceIntoOneBatch(t *testing.T) {
	h := &recordingHandler{}
	s, q := newTestScheduler(t, h)

	a, err := q.Enqueue(task.KindSnapshotCreation, nil, nil, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(task.KindSnapshotCreation, nil, nil, nil)
	require.NoError(t, err)

	require.True(t, s.runOneBatch(context.Background()))

	calls := h.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonSnapshot, calls[0].Reason)
	assert.ElementsMatch(t, []uint32{a, b}, calls[0].UIDs)
}

func TestSelectNextBatch_AutobatchFoldsSameIndexImports(t *testing.T) {
	h := &recordingHandler{}
	s, q := newTestScheduler(t, h)

	idx := "movies"
	a, err := q.Enqueue(task.KindDocumentAddOrUpdate, &idx, map[string]any{"method": "replace"}, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(task.KindDocumentAddOrUpdate, &idx, map[string]any{"method": "replace"}, nil)
	require.NoError(t, err)

	require.True(t, s.runOneBatch(context.Background()))

	calls := h.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonAutobatch, calls[0].Reason)
	assert.Equal(t, []uint32{a, b}, calls[0].UIDs)
}

func TestRunOneBatch_ReturnsFalseWhenQueueIsEmpty(t *testing.T) {
	h := &recordingHandler{}
	s, _ := newTestScheduler(t, h)

	assert.False(t, s.runOneBatch(context.Background()))
	assert.Empty(t, h.calls())
}

func TestExecute_HandlerFailureFailsEveryTaskInTheBatchIdentically(t *testing.T) {
	h := &recordingHandler{failNext: true}
	s, q := newTestScheduler(t, h)

	a, err := q.Enqueue(task.KindSnapshotCreation, nil, nil, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(task.KindSnapshotCreation, nil, nil, nil)
	require.NoError(t, err)

	require.True(t, s.runOneBatch(context.Background()))

	ta, err := q.Get(a)
	require.NoError(t, err)
	tb, err := q.Get(b)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, ta.Status)
	assert.Equal(t, task.StatusFailed, tb.Status)
	require.NotNil(t, ta.Error)
	require.NotNil(t, tb.Error)
	assert.Equal(t, ta.Error.Message, tb.Error.Message)
}

func TestExecute_SuccessStampsPerTaskDetails(t *testing.T) {
	h := &recordingHandler{}
	s, q := newTestScheduler(t, h)

	idx := "movies"
	a, err := q.Enqueue(task.KindDocumentAddOrUpdate, &idx, map[string]any{"method": "replace"}, nil)
	require.NoError(t, err)

	require.True(t, s.runOneBatch(context.Background()))

	got, err := q.Get(a)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
	assert.Equal(t, true, got.Details["ok"])
}

func TestScheduler_WakeDrainsEveryReadyBatchBeforeSleeping(t *testing.T) {
	h := &recordingHandler{}
	s, q := newTestScheduler(t, h)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(task.KindSnapshotCreation, nil, nil, nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, 0)
	s.Wake()

	require.Eventually(t, func() bool {
		return len(h.calls()) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()

	// All three snapshot tasks coalesce into a single batch (spec.md
	// §4.D), so exactly one call was made even though three tasks were
	// enqueued.
	assert.Len(t, h.calls(), 1)
	assert.Len(t, h.calls()[0].UIDs, 3)
}

func TestScheduler_StopIsIdempotentWhenNeverStarted(t *testing.T) {
	h := &recordingHandler{}
	s, _ := newTestScheduler(t, h)
	assert.NotPanics(t, func() { s.Stop() })
}

func TestHasIncompleteLock_TrueWhileSchedulerIsRunning(t *testing.T) {
	h := &recordingHandler{}
	s, q := newTestScheduler(t, h)
	dir := s.dataDir

	assert.False(t, HasIncompleteLock(dir))

	_, err := q.Enqueue(task.KindSnapshotCreation, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return HasIncompleteLock(dir)
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()

	assert.False(t, HasIncompleteLock(dir))
}
