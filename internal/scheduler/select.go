package scheduler

import (
	"sort"

	"github.com/motiflabs/loam/internal/batch"
	"github.com/motiflabs/loam/internal/store"
	"github.com/motiflabs/loam/internal/task"
)

// Reason says which rule of spec.md §4.D's selection order produced a SelectedBatch.
type Reason string

const (
	ReasonCancelation Reason = "cancelation"
	ReasonDeletion    Reason = "deletion"
	ReasonSnapshot    Reason = "snapshot"
	ReasonDump        Reason = "dump"
	ReasonAutobatch   Reason = "autobatch"
)

// SelectedBatch is what one scheduler tick decided to run.
type SelectedBatch struct {
	Reason   Reason
	UIDs     []uint32
	IndexUID string
	// AutobatchKind is set when Reason == ReasonAutobatch.
	AutobatchKind batch.Kind
	Method        string
}

// selectNextBatch applies spec.md §4.D's strict priority order:
//  1. Most recent TaskCancelation.
//  2. Oldest TaskDeletion.
//  3. Any SnapshotCreation (coalesced into one batch).
//  4. Oldest DumpCreation.
//  5. Oldest Enqueued task; autobatch over its index.
//
// Returns (nil, nil) if there is nothing to do.
func selectNextBatch(tx *store.RwTx, q *task.Queue) (*SelectedBatch, error) {
	if sb, err := selectMostRecentOfKind(tx, q, task.KindTaskCancelation, ReasonCancelation, true); sb != nil || err != nil {
		return sb, err
	}
	if sb, err := selectMostRecentOfKind(tx, q, task.KindTaskDeletion, ReasonDeletion, false); sb != nil || err != nil {
		return sb, err
	}
	if sb, err := selectAllOfKind(tx, q, task.KindSnapshotCreation, ReasonSnapshot); sb != nil || err != nil {
		return sb, err
	}
	if sb, err := selectMostRecentOfKind(tx, q, task.KindDumpCreation, ReasonDump, false); sb != nil || err != nil {
		return sb, err
	}
	return selectAutobatch(tx, q)
}

// selectMostRecentOfKind returns the single newest (mostRecent=true)
// or oldest enqueued task of kind, as a one-task SelectedBatch.
func selectMostRecentOfKind(tx *store.RwTx, q *task.Queue, kind task.Kind, reason Reason, mostRecent bool) (*SelectedBatch, error) {
	tasks, err := rangeEnqueued(tx, q, kind)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	pick := tasks[0]
	if mostRecent {
		pick = tasks[len(tasks)-1]
	}
	indexUID := ""
	if pick.IndexUID != nil {
		indexUID = *pick.IndexUID
	}
	return &SelectedBatch{Reason: reason, UIDs: []uint32{pick.UID}, IndexUID: indexUID}, nil
}

// selectAllOfKind coalesces every enqueued task of kind into one batch
// (spec.md §4.D: "multiple snapshots are coalesced into one batch").
func selectAllOfKind(tx *store.RwTx, q *task.Queue, kind task.Kind, reason Reason) (*SelectedBatch, error) {
	tasks, err := rangeEnqueued(tx, q, kind)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	uids := make([]uint32, len(tasks))
	for i, t := range tasks {
		uids[i] = t.UID
	}
	return &SelectedBatch{Reason: reason, UIDs: uids}, nil
}

// selectAutobatch picks the globally oldest Enqueued task, then folds
// in however many subsequent same-index enqueued tasks batch.NextBatch allows.
func selectAutobatch(tx *store.RwTx, q *task.Queue) (*SelectedBatch, error) {
	all, err := rangeEnqueuedAny(tx, q)
	if err != nil || len(all) == 0 {
		return nil, err
	}

	oldest := all[0]
	indexUID := ""
	if oldest.IndexUID != nil {
		indexUID = *oldest.IndexUID
	}

	var sameIndex []task.Task
	for _, t := range all {
		tIndexUID := ""
		if t.IndexUID != nil {
			tIndexUID = *t.IndexUID
		}
		if tIndexUID == indexUID {
			sameIndex = append(sameIndex, *t)
		}
	}

	descriptors := make([]batch.Descriptor, len(sameIndex))
	for i, t := range sameIndex {
		descriptors[i] = toDescriptor(t)
	}

	b := batch.NextBatch(descriptors)
	return &SelectedBatch{
		Reason:        ReasonAutobatch,
		UIDs:          b.UIDs,
		IndexUID:      indexUID,
		AutobatchKind: b.Kind,
		Method:        b.Method,
	}, nil
}

func toDescriptor(t task.Task) batch.Descriptor {
	d := batch.Descriptor{UID: t.UID, Kind: t.Kind}
	if t.IndexUID != nil {
		d.IndexUID = *t.IndexUID
	}
	if method, ok := t.Details["method"].(string); ok {
		d.Method = method
	}
	if allow, ok := t.Details["allowIndexCreation"].(bool); ok {
		d.AllowIndexCreation = allow
	}
	if clearAll, ok := t.Details["clearAll"].(bool); ok {
		d.ClearAll = clearAll
	}
	if affects, ok := t.Details["affectsSearchableFields"].(bool); ok {
		d.AffectsSearchableFields = affects
	}
	return d
}

func rangeEnqueued(tx *store.RwTx, q *task.Queue, kind task.Kind) ([]*task.Task, error) {
	tasks, err := q.RangeTx(tx, task.Filter{Statuses: []task.Status{task.StatusEnqueued}, Kinds: []task.Kind{kind}})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UID < tasks[j].UID })
	return tasks, nil
}

func rangeEnqueuedAny(tx *store.RwTx, q *task.Queue) ([]*task.Task, error) {
	tasks, err := q.RangeTx(tx, task.Filter{Statuses: []task.Status{task.StatusEnqueued}})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UID < tasks[j].UID })
	return tasks, nil
}
