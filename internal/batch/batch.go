// Package batch implements the autobatcher (spec.md §4.C): a pure
// function from an ordered sequence of enqueued task descriptors to
// the next BatchKind the scheduler should execute as one transaction.
// It never touches the store, mirroring the side-effect-free
// classification style of the teacher's consistency checker
// (internal/index/consistency.go), generalized from "classify a
// cross-store discrepancy" to "classify a run of enqueued tasks".
package batch

import "github.com/motiflabs/loam/internal/task"

// Kind is the tagged-variant discriminant for what a batch executes.
type Kind string

const (
	// KindLifecycleTask is a single index-lifecycle or control task,
	// always run alone (spec.md §4.C rule 1).
	KindLifecycleTask Kind = "lifecycleTask"
	// KindDocumentClear folds consecutive document-deletion tasks.
	KindDocumentClear Kind = "documentClear"
	// KindDocumentClearAndSettings is KindDocumentClear with a
	// trailing settings update folded in.
	KindDocumentClearAndSettings Kind = "documentClearAndSettings"
	// KindDocumentOperation folds consecutive same-method document imports.
	KindDocumentOperation Kind = "documentOperation"
	// KindSettingsUpdate is one or more settings updates with no
	// document import folded in.
	KindSettingsUpdate Kind = "settingsUpdate"
	// KindSettingsAndDocumentOperation applies a settings update
	// first, then document imports, within the same transaction.
	KindSettingsAndDocumentOperation Kind = "settingsAndDocumentOperation"
)

// lifecycleKinds form a batch of exactly one task each (rule 1).
var lifecycleKinds = map[task.Kind]bool{
	task.KindIndexCreation:    true,
	task.KindIndexUpdate:      true,
	task.KindIndexDeletion:    true,
	task.KindIndexSwap:        true,
	task.KindDumpCreation:     true,
	task.KindSnapshotCreation: true,
	task.KindTaskCancelation:  true,
	task.KindTaskDeletion:     true,
}

// Descriptor is the slice of a Task's fields the autobatcher needs to
// decide fusion; it carries no timestamps and no randomness so that
// NextBatch stays deterministic (spec.md §8 property #3).
type Descriptor struct {
	UID      uint32
	Kind     task.Kind
	IndexUID string

	// Method distinguishes DocumentAddOrUpdate tasks ("replace" or
	// "update"); only meaningful for that kind.
	Method string
	// AllowIndexCreation is the matching bit for DocumentAddOrUpdate fusion.
	AllowIndexCreation bool

	// ClearAll marks a DocumentDeletionByFilter task whose filter
	// matches every document, i.e. a full clear.
	ClearAll bool

	// AffectsSearchableFields marks a SettingsUpdate that changes
	// searchable attributes in a way requiring re-embed before import
	// (spec.md §4.C rule 4): such a settings update must be applied
	// alone in its own transaction ahead of any document import.
	AffectsSearchableFields bool
}

// Batch is the autobatcher's output: a BatchKind plus the uids to
// include, in ascending order.
type Batch struct {
	Kind     Kind
	UIDs     []uint32
	IndexUID string
	// Method is set for KindDocumentOperation / KindSettingsAndDocumentOperation.
	Method string
}

// NextBatch classifies the batch that should be built starting from
// tasks[0] ("the next one to consider", per spec.md §4.D's selection
// order), folding in however many of the following same-index tasks
// the fusion rules allow. tasks must already be in ascending uid
// order; NextBatch never reorders or skips a task to reach a later
// one — ties are broken purely by that ordering (rule ordering is
// deterministic: same input sequence always yields the same Batch).
func NextBatch(tasks []Descriptor) Batch {
	if len(tasks) == 0 {
		return Batch{}
	}
	first := tasks[0]

	if lifecycleKinds[first.Kind] {
		return Batch{Kind: KindLifecycleTask, UIDs: []uint32{first.UID}, IndexUID: first.IndexUID}
	}

	switch {
	case first.Kind == task.KindDocumentDeletionByFilter && first.ClearAll:
		return foldDocumentClear(tasks)
	case first.Kind == task.KindDocumentAddOrUpdate:
		return foldDocumentOperation(tasks)
	case first.Kind == task.KindSettingsUpdate:
		return foldSettingsUpdate(tasks)
	default:
		// DocumentDeletionByIds, DocumentDeletionByFilter (partial):
		// no fusion rule names these explicitly, so each is its own
		// batch of one (rule 5).
		return Batch{Kind: KindDocumentOperation, UIDs: []uint32{first.UID}, IndexUID: first.IndexUID}
	}
}

func foldDocumentClear(tasks []Descriptor) Batch {
	first := tasks[0]
	uids := []uint32{first.UID}
	settingsFolded := false

	for _, t := range tasks[1:] {
		if t.IndexUID != first.IndexUID {
			break
		}
		switch {
		case t.Kind == task.KindDocumentDeletionByFilter && t.ClearAll:
			uids = append(uids, t.UID)
		case t.Kind == task.KindDocumentDeletionByIDs:
			uids = append(uids, t.UID)
		case t.Kind == task.KindSettingsUpdate && !settingsFolded:
			uids = append(uids, t.UID)
			settingsFolded = true
		default:
			goto done
		}
	}
done:
	kind := KindDocumentClear
	if settingsFolded {
		kind = KindDocumentClearAndSettings
	}
	return Batch{Kind: kind, UIDs: uids, IndexUID: first.IndexUID}
}

func foldDocumentOperation(tasks []Descriptor) Batch {
	first := tasks[0]
	uids := []uint32{first.UID}

	for _, t := range tasks[1:] {
		if t.IndexUID != first.IndexUID {
			break
		}
		if t.Kind != task.KindDocumentAddOrUpdate {
			break
		}
		if t.Method != first.Method || t.AllowIndexCreation != first.AllowIndexCreation {
			break // mixing methods breaks the batch (rule 3)
		}
		uids = append(uids, t.UID)
	}
	return Batch{Kind: KindDocumentOperation, UIDs: uids, IndexUID: first.IndexUID, Method: first.Method}
}

func foldSettingsUpdate(tasks []Descriptor) Batch {
	first := tasks[0]
	uids := []uint32{first.UID}
	method, allowCreation, seenImport := "", false, false

	if first.AffectsSearchableFields {
		// Applied alone first; a re-index-requiring settings change
		// cannot share a transaction with the import it would affect
		// (rule 4).
		return Batch{Kind: KindSettingsUpdate, UIDs: uids, IndexUID: first.IndexUID}
	}

	for _, t := range tasks[1:] {
		if t.IndexUID != first.IndexUID {
			break
		}
		switch t.Kind {
		case task.KindSettingsUpdate:
			if t.AffectsSearchableFields {
				goto done
			}
			uids = append(uids, t.UID)
		case task.KindDocumentAddOrUpdate:
			if !seenImport {
				method, allowCreation, seenImport = t.Method, t.AllowIndexCreation, true
			} else if t.Method != method || t.AllowIndexCreation != allowCreation {
				goto done // mixing methods breaks the batch (rule 3)
			}
			uids = append(uids, t.UID)
		default:
			goto done
		}
	}
done:
	kind := KindSettingsUpdate
	if len(uids) > 1 {
		kind = KindSettingsAndDocumentOperation
	}
	return Batch{Kind: kind, UIDs: uids, IndexUID: first.IndexUID, Method: method}
}
