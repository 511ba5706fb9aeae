// Package task implements the durable task queue every operation in
// loam is expressed as (spec.md §3, §4.B): enqueue, inspect, cancel
// and delete tasks, each persisted as a JSON record keyed by a
// monotonically increasing uid.
package task

import (
	"time"

	"github.com/motiflabs/loam/internal/errors"
)

// Kind is the tagged-variant discriminant for what a task does.
type Kind string

const (
	KindDocumentAddOrUpdate     Kind = "documentAdditionOrUpdate"
	KindDocumentDeletionByIDs   Kind = "documentDeletion"
	KindDocumentDeletionByFilter Kind = "documentDeletionByFilter"
	KindSettingsUpdate          Kind = "settingsUpdate"
	KindIndexCreation           Kind = "indexCreation"
	KindIndexUpdate             Kind = "indexUpdate"
	KindIndexDeletion           Kind = "indexDeletion"
	KindIndexSwap               Kind = "indexSwap"
	KindDumpCreation            Kind = "dumpCreation"
	KindSnapshotCreation        Kind = "snapshotCreation"
	KindTaskCancelation         Kind = "taskCancelation"
	KindTaskDeletion            Kind = "taskDeletion"
)

// Status is a task's lifecycle state. Transitions are monotone:
// Enqueued -> Processing -> a single terminal state.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether s is one from which no further transition happens.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Task is the persistent JSON form from spec.md §6.2, extended with
// the fields §3 names for queue bookkeeping.
type Task struct {
	UID        uint32         `json:"uid"`
	BatchUID   *uint32        `json:"batchUid,omitempty"`
	IndexUID   *string        `json:"indexUid,omitempty"`
	Status     Status         `json:"status"`
	Kind       Kind           `json:"type"`
	CanceledBy *uint32        `json:"canceledBy,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Error      *TaskError     `json:"error,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`

	// ContentUUID names the NDJSON payload file under
	// <data>/update-files/<uuid>.jsonl, owned by this task until it
	// reaches a terminal state (spec.md §3 Task invariants).
	ContentUUID *string `json:"contentUuid,omitempty"`
}

// Duration reports the wall-clock time the task spent processing, or
// zero if it has not finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// TaskError is the JSON shape stored on a failed task, matching
// spec.md §6.2's `error.code`/`error.type`/`error.message`/`error.link`.
type TaskError struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Link    string `json:"link"`
}

// NewTaskError converts an *errors.Error into its persisted form.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	e, ok := err.(*errors.Error)
	if !ok {
		e = errors.Internal(err.Error(), err)
	}
	return &TaskError{
		Code:    e.Code,
		Type:    string(e.Category),
		Message: e.Message,
		Link:    e.Link,
	}
}

// Filter narrows a Range/Cancel/Delete call. A nil or zero-value field
// means "no constraint on this dimension". Filters compose with AND.
type Filter struct {
	UIDs      []uint32
	Statuses  []Status
	Kinds     []Kind
	IndexUIDs []string
	Limit     int
}

func (f Filter) matches(t *Task) bool {
	if len(f.UIDs) > 0 && !containsUint32(f.UIDs, t.UID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, t.Kind) {
		return false
	}
	if len(f.IndexUIDs) > 0 {
		if t.IndexUID == nil || !containsString(f.IndexUIDs, *t.IndexUID) {
			return false
		}
	}
	return true
}

func containsUint32(s []uint32, v uint32) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsStatus(s []Status, v Status) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsKind(s []Kind, v Kind) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// DecodeFilter reconstructs a Filter from the details map produced by
// filterDetails and persisted through a JSON round-trip (where every
// slice comes back as []interface{}), used by the scheduler's handler
// to recover the filter carried by a TaskCancelation/TaskDeletion task.
func DecodeFilter(details map[string]any) Filter {
	var f Filter
	if raw, ok := details["uids"]; ok {
		for _, v := range toSlice(raw) {
			if n, ok := toUint32(v); ok {
				f.UIDs = append(f.UIDs, n)
			}
		}
	}
	if raw, ok := details["statuses"]; ok {
		for _, v := range toSlice(raw) {
			if s, ok := v.(string); ok {
				f.Statuses = append(f.Statuses, Status(s))
			}
		}
	}
	if raw, ok := details["types"]; ok {
		for _, v := range toSlice(raw) {
			if s, ok := v.(string); ok {
				f.Kinds = append(f.Kinds, Kind(s))
			}
		}
	}
	if raw, ok := details["indexUids"]; ok {
		for _, v := range toSlice(raw) {
			if s, ok := v.(string); ok {
				f.IndexUIDs = append(f.IndexUIDs, s)
			}
		}
	}
	return f
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []uint32:
		out := make([]any, len(s))
		for i, n := range s {
			out[i] = n
		}
		return out
	case []Status:
		out := make([]any, len(s))
		for i, n := range s {
			out[i] = string(n)
		}
		return out
	case []Kind:
		out := make([]any, len(s))
		for i, n := range s {
			out[i] = string(n)
		}
		return out
	case []string:
		out := make([]any, len(s))
		for i, n := range s {
			out[i] = n
		}
		return out
	default:
		return nil
	}
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		return uint32(n), true
	case uint32:
		return n, true
	case int:
		return uint32(n), true
	default:
		return 0, false
	}
}
