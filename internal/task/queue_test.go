package task

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiflabs/loam/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	env, err := store.OpenEnv(filepath.Join(dir, "tasks.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return NewQueue(env, dir)
}

func TestQueue_EnqueueAssignsIncreasingUIDs(t *testing.T) {
	// Given: an empty queue
	q := newTestQueue(t)

	// When: three tasks are enqueued in sequence
	a, err := q.Enqueue(KindIndexCreation, nil, nil, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(KindIndexCreation, nil, nil, nil)
	require.NoError(t, err)
	c, err := q.Enqueue(KindIndexCreation, nil, nil, nil)
	require.NoError(t, err)

	// Then: uids are strictly increasing and contiguous (property #1)
	assert.Equal(t, a+1, b)
	assert.Equal(t, b+1, c)
}

func TestQueue_GetReturnsEnqueuedTask(t *testing.T) {
	q := newTestQueue(t)
	indexUID := "movies"

	uid, err := q.Enqueue(KindDocumentAddOrUpdate, &indexUID, map[string]any{"method": "replace"}, nil)
	require.NoError(t, err)

	got, err := q.Get(uid)
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, got.Status)
	assert.Equal(t, KindDocumentAddOrUpdate, got.Kind)
	assert.Equal(t, "movies", *got.IndexUID)
	assert.False(t, got.EnqueuedAt.IsZero())
}

func TestQueue_GetUnknownUIDReturnsNotFound(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Get(999)
	assert.ErrorContains(t, err, "not found")
}

func TestQueue_RangeFiltersByStatus(t *testing.T) {
	q := newTestQueue(t)
	idx := "books"

	uid1, err := q.Enqueue(KindDocumentAddOrUpdate, &idx, nil, nil)
	require.NoError(t, err)
	uid2, err := q.Enqueue(KindDocumentAddOrUpdate, &idx, nil, nil)
	require.NoError(t, err)

	// When: uid1 is moved to Processing within a scheduler-style transaction
	env := q.env
	require.NoError(t, env.RwTxn(func(tx *store.RwTx) error {
		return q.UpdateStatus(tx, uid1, StatusProcessing, nil, nil)
	}))

	// Then: filtering by status separates them
	processing, err := q.Range(Filter{Statuses: []Status{StatusProcessing}})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, uid1, processing[0].UID)

	enqueued, err := q.Range(Filter{Statuses: []Status{StatusEnqueued}})
	require.NoError(t, err)
	require.Len(t, enqueued, 1)
	assert.Equal(t, uid2, enqueued[0].UID)
}

func TestQueue_UpdateStatusStampsTimestamps(t *testing.T) {
	q := newTestQueue(t)
	uid, err := q.Enqueue(KindIndexCreation, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, q.env.RwTxn(func(tx *store.RwTx) error {
		return q.UpdateStatus(tx, uid, StatusProcessing, nil, nil)
	}))
	require.NoError(t, q.env.RwTxn(func(tx *store.RwTx) error {
		return q.UpdateStatus(tx, uid, StatusSucceeded, map[string]any{"indexedDocuments": 2}, nil)
	}))

	got, err := q.Get(uid)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, !got.FinishedAt.Before(*got.StartedAt))
	assert.True(t, got.Status.IsTerminal())
}

func TestQueue_EnqueueWithPayloadPersistsContentFile(t *testing.T) {
	q := newTestQueue(t)

	uid, err := q.Enqueue(KindDocumentAddOrUpdate, nil, nil, strings.NewReader(`{"id":1}`+"\n"))
	require.NoError(t, err)

	got, err := q.Get(uid)
	require.NoError(t, err)
	require.NotNil(t, got.ContentUUID)

	rc, err := q.OpenContent(got)
	require.NoError(t, err)
	defer rc.Close()
}

func TestQueue_ReleaseContentOnlyAfterTerminal(t *testing.T) {
	q := newTestQueue(t)
	uid, err := q.Enqueue(KindDocumentAddOrUpdate, nil, nil, strings.NewReader("{}\n"))
	require.NoError(t, err)
	got, err := q.Get(uid)
	require.NoError(t, err)

	// While still enqueued, release is a no-op and the file stays readable.
	require.NoError(t, q.ReleaseContent(got))
	rc, err := q.OpenContent(got)
	require.NoError(t, err)
	rc.Close()

	// Once terminal, release actually removes the file.
	require.NoError(t, q.env.RwTxn(func(tx *store.RwTx) error {
		return q.UpdateStatus(tx, uid, StatusSucceeded, nil, nil)
	}))
	got, err = q.Get(uid)
	require.NoError(t, err)
	require.NoError(t, q.ReleaseContent(got))
	_, err = q.OpenContent(got)
	assert.Error(t, err)
}

func TestQueue_CancelEnqueuesCancelationTask(t *testing.T) {
	q := newTestQueue(t)
	target, err := q.Enqueue(KindDocumentAddOrUpdate, nil, nil, nil)
	require.NoError(t, err)

	cancelUID, err := q.Cancel(Filter{UIDs: []uint32{target}})
	require.NoError(t, err)

	cancelTask, err := q.Get(cancelUID)
	require.NoError(t, err)
	assert.Equal(t, KindTaskCancelation, cancelTask.Kind)
	uids, ok := cancelTask.Details["uids"].([]any)
	require.True(t, ok)
	require.Len(t, uids, 1)
	assert.EqualValues(t, target, uids[0])
}

func TestQueue_MarkCanceledRecordsCanceledBy(t *testing.T) {
	q := newTestQueue(t)
	target, err := q.Enqueue(KindDocumentAddOrUpdate, nil, nil, nil)
	require.NoError(t, err)
	cancelUID, err := q.Cancel(Filter{UIDs: []uint32{target}})
	require.NoError(t, err)

	require.NoError(t, q.env.RwTxn(func(tx *store.RwTx) error {
		return q.MarkCanceled(tx, target, cancelUID)
	}))

	got, err := q.Get(target)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	require.NotNil(t, got.CanceledBy)
	assert.Equal(t, cancelUID, *got.CanceledBy)
}

func TestQueue_MarkCanceledIsNoOpOnTerminalTask(t *testing.T) {
	q := newTestQueue(t)
	uid, err := q.Enqueue(KindIndexCreation, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.env.RwTxn(func(tx *store.RwTx) error {
		return q.UpdateStatus(tx, uid, StatusSucceeded, nil, nil)
	}))

	require.NoError(t, q.env.RwTxn(func(tx *store.RwTx) error {
		return q.MarkCanceled(tx, uid, 999)
	}))

	got, err := q.Get(uid)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
}

func TestQueue_PurgeTxRemovesMatchingTasks(t *testing.T) {
	q := newTestQueue(t)
	a, err := q.Enqueue(KindIndexCreation, nil, nil, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(KindIndexCreation, nil, nil, nil)
	require.NoError(t, err)

	var purged []uint32
	require.NoError(t, q.env.RwTxn(func(tx *store.RwTx) error {
		var err error
		purged, err = q.PurgeTx(tx, Filter{UIDs: []uint32{a}})
		return err
	}))
	assert.Equal(t, []uint32{a}, purged)

	_, err = q.Get(a)
	assert.ErrorContains(t, err, "not found")
	got, err := q.Get(b)
	require.NoError(t, err)
	assert.Equal(t, b, got.UID)
}

func TestDecodeFilter_RoundTripsThroughJSON(t *testing.T) {
	q := newTestQueue(t)
	target, err := q.Enqueue(KindDocumentAddOrUpdate, nil, nil, nil)
	require.NoError(t, err)
	cancelUID, err := q.Cancel(Filter{UIDs: []uint32{target}, Statuses: []Status{StatusEnqueued}})
	require.NoError(t, err)

	cancelTask, err := q.Get(cancelUID)
	require.NoError(t, err)

	f := DecodeFilter(cancelTask.Details)
	assert.Equal(t, []uint32{target}, f.UIDs)
	assert.Equal(t, []Status{StatusEnqueued}, f.Statuses)
}
