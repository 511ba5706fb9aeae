package task

import (
	"io"
	"sort"
	"time"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/store"
)

const (
	dbTasks       = "tasks"
	dbMeta        = "tasks_meta"
	dbByStatus    = "tasks_by_status"
	dbByKind      = "tasks_by_kind"
	dbByIndexUID  = "tasks_by_index_uid"
	metaNextUID   = "next_uid"
)

// Queue is the durable task queue described in spec.md §4.B: a bbolt-
// backed, JSON-encoded primary record per task plus roaring-bitmap
// secondary indexes on status/kind/index_uid so Range can answer
// filtered queries without a full scan.
type Queue struct {
	env  *store.Env
	root string
}

// NewQueue opens the task queue over env, storing payload files under root.
func NewQueue(env *store.Env, root string) *Queue {
	return &Queue{env: env, root: root}
}

// Enqueue atomically appends a task, returning its assigned uid.
// If payload is non-nil it is first persisted to a uuid-named
// NDJSON file (spec.md §3's content_uuid), outside the transaction;
// on transaction failure the file is removed so no task ever points
// at an orphaned payload.
func (q *Queue) Enqueue(kind Kind, indexUID *string, details map[string]any, payload io.Reader) (uint32, error) {
	var contentUUID *string
	if payload != nil {
		id, err := writeContent(q.root, payload)
		if err != nil {
			return 0, err
		}
		contentUUID = &id
	}

	var uid uint32
	err := q.env.RwTxn(func(tx *store.RwTx) error {
		next, err := q.nextUID(tx)
		if err != nil {
			return err
		}
		uid = next

		t := &Task{
			UID:         uid,
			IndexUID:    indexUID,
			Status:      StatusEnqueued,
			Kind:        kind,
			Details:     details,
			EnqueuedAt:  time.Now(),
			ContentUUID: contentUUID,
		}
		if err := q.putTask(tx, t); err != nil {
			return err
		}
		return q.indexInsert(tx, t)
	})
	if err != nil {
		if contentUUID != nil {
			_ = removeContent(q.root, *contentUUID)
		}
		return 0, err
	}
	return uid, nil
}

// Get returns the task with the given uid, or a NotFound *errors.Error.
func (q *Queue) Get(uid uint32) (*Task, error) {
	var t *Task
	err := q.env.RoTxn(func(tx *store.RoTx) error {
		found, err := q.getTask(tx, uid)
		if err != nil {
			return err
		}
		t = found
		return nil
	})
	return t, err
}

// Range returns every task matching filter, ordered by ascending uid,
// truncated to filter.Limit if positive.
func (q *Queue) Range(filter Filter) ([]*Task, error) {
	var out []*Task
	err := q.env.RoTxn(func(tx *store.RoTx) error {
		candidates, err := q.candidateUIDs(tx, filter)
		if err != nil {
			return err
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

		for _, uid := range candidates {
			t, err := q.getTask(tx, uid)
			if err != nil {
				continue // task removed between index lookup and record fetch
			}
			if filter.matches(t) {
				out = append(out, t)
				if filter.Limit > 0 && len(out) >= filter.Limit {
					break
				}
			}
		}
		return nil
	})
	return out, err
}

// RangeTx is Range's logic run directly against an already-open
// scheduler transaction, so callers holding a *store.RwTx (the
// scheduler selecting its next batch) never need to open a second,
// concurrent transaction just to read.
func (q *Queue) RangeTx(tx *store.RwTx, filter Filter) ([]*Task, error) {
	var out []*Task
	candidates, err := q.candidateUIDs(tx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	for _, uid := range candidates {
		t, err := q.getTask(tx, uid)
		if err != nil {
			continue // task removed between index lookup and record fetch
		}
		if filter.matches(t) {
			out = append(out, t)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// Cancel enqueues a TaskCancelation task carrying filter. The
// cancellation itself takes effect at the scheduler's next commit
// boundary (spec.md §4.D).
func (q *Queue) Cancel(filter Filter) (uint32, error) {
	return q.Enqueue(KindTaskCancelation, nil, filterDetails(filter), nil)
}

// Delete enqueues a TaskDeletion task carrying filter.
func (q *Queue) Delete(filter Filter) (uint32, error) {
	return q.Enqueue(KindTaskDeletion, nil, filterDetails(filter), nil)
}

// UpdateStatus transitions a task's status within an already-open
// scheduler transaction (spec.md §4.B: "only valid from inside a
// scheduler commit"). It stamps started_at on the first move into
// Processing and finished_at on any terminal transition.
func (q *Queue) UpdateStatus(tx *store.RwTx, uid uint32, status Status, details map[string]any, taskErr error) error {
	t, err := q.getTask(tx, uid)
	if err != nil {
		return err
	}

	oldStatus := t.Status
	t.Status = status
	if details != nil {
		t.Details = details
	}
	t.Error = NewTaskError(taskErr)

	now := time.Now()
	if status == StatusProcessing && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status.IsTerminal() && t.FinishedAt == nil {
		t.FinishedAt = &now
	}

	if err := q.putTask(tx, t); err != nil {
		return err
	}
	return q.reindexStatus(tx, uid, oldStatus, status)
}

// MarkCanceled transitions uid to Canceled, recording canceledBy, from
// inside an already-open scheduler transaction (spec.md §4.D
// "Cancellation"). Unlike UpdateStatus it refuses to cancel a task
// that already reached a terminal state, matching the invariant that
// cancellation can only affect Enqueued or Processing tasks.
func (q *Queue) MarkCanceled(tx *store.RwTx, uid uint32, canceledBy uint32) error {
	t, err := q.getTask(tx, uid)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}

	oldStatus := t.Status
	t.Status = StatusCanceled
	t.CanceledBy = &canceledBy
	now := time.Now()
	t.FinishedAt = &now

	if err := q.putTask(tx, t); err != nil {
		return err
	}
	return q.reindexStatus(tx, uid, oldStatus, StatusCanceled)
}

// PurgeTx permanently removes every task matching filter from the
// queue and its secondary indexes, inside an already-open scheduler
// transaction (the effect of a processed TaskDeletion task). Payload
// files for non-terminal tasks are left untouched, matching spec.md
// §4.B's "content_uuid file is deleted only after the task reaches a
// terminal state" — a deletion of a still-running task is not
// expected to occur since TaskDeletion only targets terminal tasks in
// practice, but PurgeTx does not itself enforce that restriction.
func (q *Queue) PurgeTx(tx *store.RwTx, filter Filter) ([]uint32, error) {
	uids, err := q.RangeTx(tx, filter)
	if err != nil {
		return nil, err
	}
	purged := make([]uint32, 0, len(uids))
	for _, t := range uids {
		if err := removeFromBucket(tx, dbByStatus, string(t.Status), t.UID); err != nil {
			return nil, err
		}
		if err := removeFromBucket(tx, dbByKind, string(t.Kind), t.UID); err != nil {
			return nil, err
		}
		if t.IndexUID != nil {
			if err := removeFromBucket(tx, dbByIndexUID, *t.IndexUID, t.UID); err != nil {
				return nil, err
			}
		}
		db, err := tx.Database(dbTasks, store.JSONCodec{})
		if err != nil {
			return nil, errors.StoreError(errors.CodeStoreIO, "open tasks database", err)
		}
		if err := db.Delete(store.U32Key(t.UID)); err != nil {
			return nil, errors.StoreError(errors.CodeStoreIO, "delete task record", err)
		}
		purged = append(purged, t.UID)
	}
	return purged, nil
}

// ReleaseContent removes a terminal task's payload file, if any. Call
// after the status-updating transaction has committed.
func (q *Queue) ReleaseContent(t *Task) error {
	if t.ContentUUID == nil || !t.Status.IsTerminal() {
		return nil
	}
	return removeContent(q.root, *t.ContentUUID)
}

// OpenContent opens a task's payload file for streaming re-read
// (the scheduler uses this when executing DocumentAddOrUpdate batches).
func (q *Queue) OpenContent(t *Task) (io.ReadCloser, error) {
	if t.ContentUUID == nil {
		return nil, errors.Internal("task has no content payload", nil)
	}
	return openContent(q.root, *t.ContentUUID)
}

func filterDetails(f Filter) map[string]any {
	d := map[string]any{}
	if len(f.UIDs) > 0 {
		d["uids"] = f.UIDs
	}
	if len(f.Statuses) > 0 {
		d["statuses"] = f.Statuses
	}
	if len(f.Kinds) > 0 {
		d["types"] = f.Kinds
	}
	if len(f.IndexUIDs) > 0 {
		d["indexUids"] = f.IndexUIDs
	}
	return d
}
