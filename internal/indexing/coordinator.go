// Package indexing is the write side of one index: it turns a selected
// batch of tasks into the mutations spec.md §4.F names, spread across
// the ten phases of a single document pass (parse, diff, word/facet
// extraction, geo, vectors, bookkeeping) and the settings-update path
// that can force a full reindex.
//
// Grounded on the teacher's internal/index/coordinator.go — one type
// owning the manager and the queue, dispatching by task kind into
// per-concern files — generalized from "index one filesystem project"
// to "apply one autobatched group of document/settings/lifecycle
// tasks".
package indexing

import (
	"context"

	"github.com/motiflabs/loam/internal/batch"
	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/scheduler"
	"github.com/motiflabs/loam/internal/store"
	"github.com/motiflabs/loam/internal/task"
)

// Coordinator satisfies scheduler.Handler: it is the one place that
// turns a SelectedBatch into writes against an index's own environment
// (never the scheduler's own tx, which is bound to the task-queue
// environment — see Execute).
type Coordinator struct {
	manager   *indexstore.Manager
	queue     *task.Queue
	embedders EmbedderFactory
}

// NewCoordinator wires the index manager and task queue together.
// Embedders is nil until an EmbedderFactory is attached via
// SetEmbedders; until then every non-user-provided embedder is skipped
// rather than failing a batch.
func NewCoordinator(manager *indexstore.Manager, q *task.Queue) *Coordinator {
	return &Coordinator{manager: manager, queue: q}
}

// SetEmbedders attaches the live embedder façade. Called once during
// daemon startup, after both the coordinator and the façade exist.
func (c *Coordinator) SetEmbedders(f EmbedderFactory) {
	c.embedders = f
}

// Execute implements scheduler.Handler. tx is the scheduler's own
// write transaction over the task-queue environment: it is valid for
// reading/marking tasks (via tasksByUID, queue.RangeTx, MarkCanceled,
// PurgeTx) but must never be used to touch an index's own databases —
// each indexstore.Index owns a separate *store.Env, opened and
// committed independently inside the per-kind run* helpers below.
func (c *Coordinator) Execute(ctx context.Context, tx *store.RwTx, sb scheduler.SelectedBatch) (map[uint32]map[string]any, error) {
	switch sb.Reason {
	case scheduler.ReasonCancelation:
		return c.runCancelation(tx, sb.UIDs)
	case scheduler.ReasonDeletion:
		return c.runTaskDeletion(tx, sb.UIDs)
	case scheduler.ReasonSnapshot:
		return c.runSnapshot(tx, sb.UIDs)
	case scheduler.ReasonDump:
		return c.runDump(tx, sb.UIDs)
	case scheduler.ReasonAutobatch:
		return c.runAutobatch(ctx, tx, sb)
	default:
		return nil, errors.Internal("unknown selection reason: "+string(sb.Reason), nil)
	}
}

func (c *Coordinator) runAutobatch(ctx context.Context, tx *store.RwTx, sb scheduler.SelectedBatch) (map[uint32]map[string]any, error) {
	switch sb.AutobatchKind {
	case batch.KindLifecycleTask:
		tasks, err := c.tasksByUID(tx, sb.UIDs)
		if err != nil {
			return nil, err
		}
		t, ok := tasks[sb.UIDs[0]]
		if !ok {
			return nil, errors.Internal("lifecycle batch references an unknown task", nil)
		}
		switch t.Kind {
		case task.KindTaskCancelation:
			return c.runCancelationTask(tx, t)
		case task.KindTaskDeletion:
			return c.runTaskDeletionTask(tx, t)
		default:
			return c.runLifecycleTask(t)
		}
	case batch.KindDocumentClear, batch.KindDocumentClearAndSettings:
		return c.runDocumentClear(tx, sb.IndexUID, sb.UIDs)
	case batch.KindDocumentOperation:
		return c.runDocumentOperationBatch(ctx, tx, sb)
	case batch.KindSettingsUpdate:
		tasks, err := c.tasksByUID(tx, sb.UIDs)
		if err != nil {
			return nil, err
		}
		details := detailsForKind(tasks, sb.UIDs, task.KindSettingsUpdate)
		return c.runSettingsUpdate(sb.IndexUID, details, sb.UIDs)
	case batch.KindSettingsAndDocumentOperation:
		return c.runSettingsAndDocuments(ctx, tx, sb)
	default:
		return nil, errors.Internal("unknown autobatch kind: "+string(sb.AutobatchKind), nil)
	}
}

// runDocumentOperationBatch dispatches a KindDocumentOperation batch by
// its tasks' actual kind: the autobatcher folds consecutive
// DocumentAddOrUpdate tasks under this kind (sb.Method set), but also
// uses it as the catch-all single-task batch for a
// DocumentDeletionByIds or a non-clearAll DocumentDeletionByFilter
// (spec.md §4.C rule 5) — those never carry a Method and must not be
// decoded as NDJSON imports.
func (c *Coordinator) runDocumentOperationBatch(ctx context.Context, tx *store.RwTx, sb scheduler.SelectedBatch) (map[uint32]map[string]any, error) {
	if sb.Method != "" {
		return c.runDocumentOperation(ctx, tx, sb.IndexUID, sb.UIDs, sb.Method)
	}
	tasks, err := c.tasksByUID(tx, sb.UIDs)
	if err != nil {
		return nil, err
	}
	if len(sb.UIDs) > 0 {
		if t, ok := tasks[sb.UIDs[0]]; ok && t.Kind == task.KindDocumentAddOrUpdate {
			return c.runDocumentOperation(ctx, tx, sb.IndexUID, sb.UIDs, "replace")
		}
	}
	return c.runDocumentClear(tx, sb.IndexUID, sb.UIDs)
}

// runSettingsAndDocuments applies the settings-update tasks first, in
// their own write transaction against the index environment, then the
// document-import tasks in a second — two separate idx.Env().RwTxn
// calls rather than one, so a reindex triggered by the settings change
// sees every document exactly once rather than racing the import it
// precedes (spec.md §4.C rule 4).
func (c *Coordinator) runSettingsAndDocuments(ctx context.Context, tx *store.RwTx, sb scheduler.SelectedBatch) (map[uint32]map[string]any, error) {
	tasks, err := c.tasksByUID(tx, sb.UIDs)
	if err != nil {
		return nil, err
	}

	var settingsUIDs, documentUIDs []uint32
	for _, uid := range sb.UIDs {
		t, ok := tasks[uid]
		if !ok {
			continue
		}
		if t.Kind == task.KindSettingsUpdate {
			settingsUIDs = append(settingsUIDs, uid)
		} else {
			documentUIDs = append(documentUIDs, uid)
		}
	}

	results := make(map[uint32]map[string]any, len(sb.UIDs))

	if len(settingsUIDs) > 0 {
		details := detailsForKind(tasks, settingsUIDs, task.KindSettingsUpdate)
		updated, err := c.runSettingsUpdate(sb.IndexUID, details, settingsUIDs)
		if err != nil {
			return nil, err
		}
		for uid, d := range updated {
			results[uid] = d
		}
	}
	if len(documentUIDs) > 0 {
		indexed, err := c.runDocumentOperation(ctx, tx, sb.IndexUID, documentUIDs, "")
		if err != nil {
			return nil, err
		}
		for uid, d := range indexed {
			results[uid] = d
		}
	}
	return results, nil
}

func detailsForKind(tasks map[uint32]*task.Task, uids []uint32, kind task.Kind) map[uint32]map[string]any {
	out := make(map[uint32]map[string]any, len(uids))
	for _, uid := range uids {
		if t, ok := tasks[uid]; ok && t.Kind == kind {
			out[uid] = t.Details
		}
	}
	return out
}

// runCancelation handles a single-task ReasonCancelation batch: the
// cancelation task's own filter is recovered and applied against every
// still-cancelable task it matches (spec.md §4.D "Cancellation").
func (c *Coordinator) runCancelation(tx *store.RwTx, uids []uint32) (map[uint32]map[string]any, error) {
	tasks, err := c.tasksByUID(tx, uids)
	if err != nil {
		return nil, err
	}
	t, ok := tasks[uids[0]]
	if !ok {
		return nil, errors.Internal("cancelation batch references an unknown task", nil)
	}
	return c.runCancelationTask(tx, t)
}

func (c *Coordinator) runCancelationTask(tx *store.RwTx, t *task.Task) (map[uint32]map[string]any, error) {
	filter := task.DecodeFilter(t.Details)
	targets, err := c.queue.RangeTx(tx, filter)
	if err != nil {
		return nil, err
	}
	canceled := make([]uint32, 0, len(targets))
	for _, target := range targets {
		if target.UID == t.UID || target.Status.IsTerminal() {
			continue
		}
		if err := c.queue.MarkCanceled(tx, target.UID, t.UID); err != nil {
			return nil, err
		}
		canceled = append(canceled, target.UID)
	}
	return map[uint32]map[string]any{t.UID: {"matchedTasks": len(targets), "canceledTasks": len(canceled)}}, nil
}

// runTaskDeletion handles a single-task ReasonDeletion batch.
func (c *Coordinator) runTaskDeletion(tx *store.RwTx, uids []uint32) (map[uint32]map[string]any, error) {
	tasks, err := c.tasksByUID(tx, uids)
	if err != nil {
		return nil, err
	}
	t, ok := tasks[uids[0]]
	if !ok {
		return nil, errors.Internal("deletion batch references an unknown task", nil)
	}
	return c.runTaskDeletionTask(tx, t)
}

func (c *Coordinator) runTaskDeletionTask(tx *store.RwTx, t *task.Task) (map[uint32]map[string]any, error) {
	filter := task.DecodeFilter(t.Details)
	purged, err := c.queue.PurgeTx(tx, filter)
	if err != nil {
		return nil, err
	}
	return map[uint32]map[string]any{t.UID: {"matchedTasks": len(purged)}}, nil
}

// runSnapshot and runDump record the control task's outcome. Neither
// writes any file: each returns the details already stored on its
// tasks, so the batch succeeds and the task records keep those details.
func (c *Coordinator) runSnapshot(tx *store.RwTx, uids []uint32) (map[uint32]map[string]any, error) {
	return c.passthroughDetails(tx, uids)
}

func (c *Coordinator) runDump(tx *store.RwTx, uids []uint32) (map[uint32]map[string]any, error) {
	return c.passthroughDetails(tx, uids)
}

func (c *Coordinator) passthroughDetails(tx *store.RwTx, uids []uint32) (map[uint32]map[string]any, error) {
	tasks, err := c.tasksByUID(tx, uids)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]map[string]any, len(uids))
	for _, uid := range uids {
		if t, ok := tasks[uid]; ok {
			out[uid] = t.Details
		} else {
			out[uid] = map[string]any{}
		}
	}
	return out, nil
}

// tasksByUID resolves a batch's uids to their *task.Task records in one
// RangeTx call against the scheduler's own transaction.
func (c *Coordinator) tasksByUID(schedTx *store.RwTx, uids []uint32) (map[uint32]*task.Task, error) {
	found, err := c.queue.RangeTx(schedTx, task.Filter{UIDs: uids})
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]*task.Task, len(found))
	for _, t := range found {
		out[t.UID] = t
	}
	return out, nil
}

// openOrCreateIndex opens indexUID, creating it when the batch's
// leading document task carries allowIndexCreation (spec.md §4.C rule
// 3's default for the HTTP document routes).
func (c *Coordinator) openOrCreateIndex(indexUID string, tasks map[uint32]*task.Task) (*indexstore.Index, error) {
	idx, err := c.manager.Open(indexUID)
	if err == nil {
		return idx, nil
	}
	if errors.Code(err) != errors.CodeIndexNotFound {
		return nil, err
	}
	for _, t := range tasks {
		if allow, ok := t.Details["allowIndexCreation"].(bool); ok && allow {
			return c.manager.Create(indexUID)
		}
	}
	return nil, err
}
