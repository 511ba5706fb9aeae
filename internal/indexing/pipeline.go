package indexing

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/store"
	"github.com/motiflabs/loam/internal/task"
	"github.com/motiflabs/loam/internal/tokenizer"
	"github.com/motiflabs/loam/internal/vectorindex"
	"github.com/motiflabs/loam/internal/wordindex"
)

const fstKey = "fst"

// runDocumentOperation executes one KindDocumentOperation batch: every
// task's NDJSON payload, applied in task order inside a single write
// transaction over idx's own environment (spec.md §4.F, the ten
// phases below run once per document across all of them).
func (c *Coordinator) runDocumentOperation(ctx context.Context, schedTx *store.RwTx, indexUID string, uids []uint32, method string) (map[uint32]map[string]any, error) {
	tasks, err := c.tasksByUID(schedTx, uids)
	if err != nil {
		return nil, err
	}

	idx, err := c.openOrCreateIndex(indexUID, tasks)
	if err != nil {
		return nil, err
	}

	settings, err := idx.Settings()
	if err != nil {
		return nil, err
	}
	stopWords := tokenizer.BuildStopWordMap(settings.StopWords)

	details := make(map[uint32]map[string]any, len(uids))
	var pendingVectorSaves map[string]*pendingVectorStore

	err = idx.Env().RwTxn(func(itx *store.RwTx) error {
		bd := newBatchDeltas()
		docsIDs, err := idx.DocumentsIDs(itx)
		if err != nil {
			return err
		}
		pendingVectorSaves = map[string]*pendingVectorStore{}

		for _, uid := range uids {
			t, ok := tasks[uid]
			if !ok || t.ContentUUID == nil {
				details[uid] = map[string]any{"indexedDocuments": 0}
				continue
			}
			taskMethod := method
			if m, ok := t.Details["method"].(string); ok && m != "" {
				taskMethod = m
			}
			n, err := c.applyDocumentTask(ctx, itx, idx, bd, docsIDs, settings, stopWords, t, taskMethod, pendingVectorSaves)
			if err != nil {
				return err
			}
			details[uid] = map[string]any{"indexedDocuments": n}
		}

		if err := idx.PutDocumentsIDs(itx, docsIDs); err != nil {
			return err
		}
		if err := bd.flush(itx); err != nil {
			return err
		}
		if err := rebuildWordFST(itx); err != nil {
			return err
		}
		return idx.Touch(itx)
	})
	if err != nil {
		return nil, err
	}

	for name, pending := range pendingVectorSaves {
		if err := saveVectorStore(idx, name, pending.store); err != nil {
			return nil, err
		}
	}
	return details, nil
}

type pendingVectorStore struct {
	store *vectorindex.Store
}

// applyDocumentTask decodes one task's NDJSON payload and runs phases
// 1-9 of spec.md §4.F for every document in it, returning the count of
// documents processed (the task's `details.indexedDocuments`).
func (c *Coordinator) applyDocumentTask(ctx context.Context, itx *store.RwTx, idx *indexstore.Index, bd *batchDeltas, docsIDs *store.Postings, settings indexstore.Settings, stopWords map[string]bool, t *task.Task, method string, vectorStores map[string]*pendingVectorStore) (int, error) {
	rc, err := c.queue.OpenContent(t)
	if err != nil {
		return 0, err
	}
	docs, err := decodeNDJSON(rc)
	_ = rc.Close()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	pk, err := resolvePrimaryKey(itx, idx, docs)
	if err != nil {
		return 0, err
	}

	for _, raw := range docs {
		pkVal, err := primaryKeyValue(raw, pk)
		if err != nil {
			return 0, err
		}

		docID, existed, err := idx.ExternalID(itx, pkVal)
		if err != nil {
			return 0, err
		}

		var oldFields map[string]any
		final := raw
		if existed {
			oldRaw, err := idx.Document(itx, docID)
			if err != nil {
				return 0, err
			}
			var oldDoc rawDoc
			if err := json.Unmarshal(oldRaw, &oldDoc); err != nil {
				return 0, errors.StoreError(errors.CodeStoreCorruption, "decode stored document", err)
			}
			oldFields = flattenDocument(oldDoc)
			if method == "update" {
				final = mergeRawDocs(oldDoc, raw)
			}
		} else {
			docID, err = idx.NextDocumentID(itx)
			if err != nil {
				return 0, err
			}
			if err := idx.PutExternalID(itx, pkVal, docID); err != nil {
				return 0, err
			}
			docsIDs.Add(docID)
		}
		newFields := flattenDocument(final)

		if err := indexDocumentFields(itx, idx, bd, settings, stopWords, docID, oldFields, false); err != nil {
			return 0, err
		}
		if err := indexDocumentFields(itx, idx, bd, settings, stopWords, docID, newFields, true); err != nil {
			return 0, err
		}
		if err := indexGeo(itx, bd, docID, oldFields, false); err != nil {
			return 0, err
		}
		if err := indexGeo(itx, bd, docID, newFields, true); err != nil {
			return 0, err
		}
		if err := c.indexVectors(ctx, idx, settings, docID, newFields, vectorStores); err != nil {
			return 0, err
		}

		encoded, err := json.Marshal(final)
		if err != nil {
			return 0, errors.Internal("encode document", err)
		}
		if err := idx.PutDocument(itx, docID, encoded); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

// mergeRawDocs applies spec.md §4.F's "update" method: a shallow
// top-level merge where incoming fields overwrite matching keys and
// every other field of the stored document is kept untouched.
func mergeRawDocs(old, incoming rawDoc) rawDoc {
	out := make(rawDoc, len(old)+len(incoming))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// indexVectors runs phase 8: extracting and upserting vectors for
// every configured embedder. TooManyVectors is raised per spec.md §7
// when a document carries more fragments than maxVectorsPerDocument.
func (c *Coordinator) indexVectors(ctx context.Context, idx *indexstore.Index, settings indexstore.Settings, docID uint32, fields map[string]any, stores map[string]*pendingVectorStore) error {
	names := make([]string, 0, len(settings.Embedders))
	for name := range settings.Embedders {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := settings.Embedders[name]
		vecs, err := resolveVectors(ctx, cfg, name, fields, c.embedders)
		if err != nil {
			return err
		}
		if len(vecs) == 0 {
			continue
		}
		if len(vecs) > maxVectorsPerDocument {
			return errors.UnprocessableEntity(errors.CodeTooManyVectors,
				"document carries more vector fragments than the per-document limit")
		}

		pending, ok := stores[name]
		if !ok {
			dims := cfg.Dimensions
			if dims == 0 {
				dims = len(vecs[0])
			}
			vs, err := loadOrCreateVectorStore(idx, name, dims)
			if err != nil {
				return err
			}
			pending = &pendingVectorStore{store: vs}
			stores[name] = pending
		}
		// Only the first fragment is upserted into the ANN index today;
		// additional fragments are kept in the document body but not
		// separately searchable (internal/vectorindex.Store keys one
		// vector per document id).
		if err := pending.store.Upsert(docID, vecs[0]); err != nil {
			return err
		}
	}
	return nil
}

// rebuildWordFST recomputes words_fst/words_prefixes_fst from the
// current word_docids key set (spec.md §4.F phase 6 "... and rebuild
// the FST"). Grounded on internal/wordindex, wrapping
// github.com/blevesearch/vellum.
func rebuildWordFST(itx *store.RwTx) error {
	wordsDB, err := itx.Database(indexstore.DBWordDocids, store.BytesCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open word_docids", err)
	}
	var words []string
	wordsDB.ForEach(func(e store.Entry) bool {
		words = append(words, string(e.Key))
		return true
	})

	fstBytes, err := wordindex.Build(words)
	if err != nil {
		return errors.Internal("build words fst", err)
	}
	prefixBytes, err := wordindex.BuildPrefixes(words)
	if err != nil {
		return errors.Internal("build words prefixes fst", err)
	}

	fstDB, err := itx.Database(indexstore.DBWordsFST, store.BytesCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open words_fst", err)
	}
	if err := fstDB.Put([]byte(fstKey), fstBytes); err != nil {
		return errors.StoreError(errors.CodeStoreIO, "write words_fst", err)
	}

	prefixDB, err := itx.Database(indexstore.DBWordsPrefixesFST, store.BytesCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open words_prefixes_fst", err)
	}
	return prefixDB.Put([]byte(fstKey), prefixBytes)
}
