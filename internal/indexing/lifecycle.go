package indexing

import (
	"encoding/json"
	"strconv"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/store"
	"github.com/motiflabs/loam/internal/task"
	"github.com/motiflabs/loam/internal/tokenizer"
)

// runLifecycleTask executes the single task of a KindLifecycleTask
// batch: index creation/update/deletion/swap, or a task
// cancelation/deletion control task routed here because the
// autobatcher also classifies those as lifecycle (spec.md §4.C rule 1).
func (c *Coordinator) runLifecycleTask(t *task.Task) (map[uint32]map[string]any, error) {
	switch t.Kind {
	case task.KindIndexCreation:
		return c.runIndexCreation(t)
	case task.KindIndexUpdate:
		return c.runIndexUpdateRename(t)
	case task.KindIndexDeletion:
		return c.runIndexDeletion(t)
	case task.KindIndexSwap:
		return c.runIndexSwap(t)
	default:
		return nil, errors.Internal("unexpected lifecycle task kind: "+string(t.Kind), nil)
	}
}

func (c *Coordinator) runIndexCreation(t *task.Task) (map[uint32]map[string]any, error) {
	if t.IndexUID == nil {
		return nil, errors.InvalidRequest(errors.CodeInvalidFilter, "index creation task missing indexUid")
	}
	idx, err := c.manager.Create(*t.IndexUID)
	if err != nil {
		return nil, err
	}
	if pk, ok := t.Details["primaryKey"].(string); ok && pk != "" {
		if err := idx.Env().RwTxn(func(tx *store.RwTx) error {
			return idx.SetPrimaryKey(tx, pk)
		}); err != nil {
			return nil, err
		}
	}
	return map[uint32]map[string]any{t.UID: {"indexUid": *t.IndexUID}}, nil
}

// runIndexUpdateRename handles the primary-key-assignment form of
// IndexUpdate (renaming an index is modelled as IndexSwap, per spec.md
// §3's Index lifecycle).
func (c *Coordinator) runIndexUpdateRename(t *task.Task) (map[uint32]map[string]any, error) {
	if t.IndexUID == nil {
		return nil, errors.InvalidRequest(errors.CodeInvalidFilter, "index update task missing indexUid")
	}
	idx, err := c.manager.Open(*t.IndexUID)
	if err != nil {
		return nil, err
	}
	pk, ok := t.Details["primaryKey"].(string)
	if !ok || pk == "" {
		return map[uint32]map[string]any{t.UID: {}}, nil
	}
	existing, err := idx.PrimaryKey()
	if err != nil {
		return nil, err
	}
	if existing != "" && existing != pk {
		return nil, errors.Conflict(errors.CodeImmutableField, "index primary key is already set to "+existing)
	}
	if err := idx.Env().RwTxn(func(tx *store.RwTx) error {
		return idx.SetPrimaryKey(tx, pk)
	}); err != nil {
		return nil, err
	}
	return map[uint32]map[string]any{t.UID: {"primaryKey": pk}}, nil
}

func (c *Coordinator) runIndexDeletion(t *task.Task) (map[uint32]map[string]any, error) {
	if t.IndexUID == nil {
		return nil, errors.InvalidRequest(errors.CodeInvalidFilter, "index deletion task missing indexUid")
	}
	if err := c.manager.Delete(*t.IndexUID); err != nil {
		return nil, err
	}
	return map[uint32]map[string]any{t.UID: {}}, nil
}

func (c *Coordinator) runIndexSwap(t *task.Task) (map[uint32]map[string]any, error) {
	a, aok := t.Details["indexA"].(string)
	b, bok := t.Details["indexB"].(string)
	if !aok || !bok || a == "" || b == "" {
		return nil, errors.InvalidRequest(errors.CodeInvalidFilter, "index swap task requires indexA and indexB")
	}
	if err := c.manager.Swap(a, b); err != nil {
		return nil, err
	}
	return map[uint32]map[string]any{t.UID: {"swapped": []string{a, b}}}, nil
}

// runDocumentClear executes a KindDocumentClear /
// KindDocumentClearAndSettings batch: every DocumentDeletionByIds task
// removes its listed documents, every full-filter DocumentDeletionByFilter
// task wipes the whole index, and a folded SettingsUpdate (if present)
// applies last (spec.md §4.C rule 2).
func (c *Coordinator) runDocumentClear(schedTx *store.RwTx, indexUID string, uids []uint32) (map[uint32]map[string]any, error) {
	tasks, err := c.tasksByUID(schedTx, uids)
	if err != nil {
		return nil, err
	}
	idx, err := c.manager.Open(indexUID)
	if err != nil {
		return nil, err
	}

	results := make(map[uint32]map[string]any, len(uids))
	var settingsPatches map[uint32]map[string]any

	err = idx.Env().RwTxn(func(itx *store.RwTx) error {
		for _, uid := range uids {
			t, ok := tasks[uid]
			if !ok {
				continue
			}
			switch t.Kind {
			case task.KindDocumentDeletionByFilter:
				if clearAll, _ := t.Details["clearAll"].(bool); clearAll {
					n, err := clearAllDocuments(itx, idx)
					if err != nil {
						return err
					}
					results[uid] = map[string]any{"deletedDocuments": n}
					continue
				}
				results[uid] = map[string]any{"deletedDocuments": 0}
			case task.KindDocumentDeletionByIDs:
				n, err := deleteDocumentsByIDs(itx, idx, t.Details)
				if err != nil {
					return err
				}
				results[uid] = map[string]any{"deletedDocuments": n}
			case task.KindSettingsUpdate:
				if settingsPatches == nil {
					settingsPatches = map[uint32]map[string]any{}
				}
				settingsPatches[uid] = t.Details
				results[uid] = map[string]any{}
			}
		}
		return idx.Touch(itx)
	})
	if err != nil {
		return nil, err
	}

	if len(settingsPatches) > 0 {
		uids := make([]uint32, 0, len(settingsPatches))
		for uid := range settingsPatches {
			uids = append(uids, uid)
		}
		updated, err := c.runSettingsUpdate(indexUID, settingsPatches, uids)
		if err != nil {
			return nil, err
		}
		for uid, d := range updated {
			results[uid] = d
		}
	}
	return results, nil
}

func clearAllDocuments(itx *store.RwTx, idx *indexstore.Index) (int, error) {
	docsIDs, err := idx.DocumentsIDs(itx)
	if err != nil {
		return 0, err
	}
	n := docsIDs.Len()
	if err := dropPerDocumentDatabases(itx); err != nil {
		return 0, err
	}
	for _, name := range []string{indexstore.DBDocuments, indexstore.DBExternalToInternalID} {
		if err := itx.DropDatabase(name); err != nil {
			return 0, errors.StoreError(errors.CodeStoreIO, "drop "+name, err)
		}
	}
	if err := idx.PutDocumentsIDs(itx, store.NewPostings()); err != nil {
		return 0, err
	}
	return n, nil
}

// deleteDocumentsByIDs removes the documents named by
// t.Details["documentIds"] (external primary-key values) from every
// inverted-index entity they appear in.
func deleteDocumentsByIDs(itx *store.RwTx, idx *indexstore.Index, details map[string]any) (int, error) {
	raw, ok := details["documentIds"]
	if !ok {
		return 0, nil
	}
	ids := toStringSlice(raw)
	if len(ids) == 0 {
		return 0, nil
	}

	settings, err := idx.SettingsTx(itx)
	if err != nil {
		return 0, err
	}
	stopWords := tokenizer.BuildStopWordMap(settings.StopWords)
	bd := newBatchDeltas()
	docsIDs, err := idx.DocumentsIDs(itx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, externalID := range ids {
		docID, ok, err := idx.ExternalID(itx, externalID)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		raw, err := idx.Document(itx, docID)
		if err != nil {
			return 0, err
		}
		var doc rawDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return 0, errors.StoreError(errors.CodeStoreCorruption, "decode stored document", err)
		}
		fields := flattenDocument(doc)
		if err := indexDocumentFields(itx, idx, bd, settings, stopWords, docID, fields, false); err != nil {
			return 0, err
		}
		if err := indexGeo(itx, bd, docID, fields, false); err != nil {
			return 0, err
		}
		if err := idx.DeleteDocument(itx, docID); err != nil {
			return 0, err
		}
		if err := idx.DeleteExternalID(itx, externalID); err != nil {
			return 0, err
		}
		docsIDs.Remove(docID)
		removed++
	}

	if err := idx.PutDocumentsIDs(itx, docsIDs); err != nil {
		return 0, err
	}
	if err := bd.flush(itx); err != nil {
		return 0, err
	}
	if err := rebuildWordFST(itx); err != nil {
		return 0, err
	}
	return removed, nil
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		switch x := e.(type) {
		case string:
			out = append(out, x)
		case float64:
			out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
		}
	}
	return out
}
