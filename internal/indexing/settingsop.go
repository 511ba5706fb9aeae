package indexing

import (
	"encoding/json"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/store"
	"github.com/motiflabs/loam/internal/tokenizer"
)

// runSettingsUpdate applies one SettingsUpdate task's new settings and,
// when the change is reindex-affecting (spec.md §4.F "Ordering
// guarantees"), rebuilds every per-document word and facet entry from
// the documents already stored — a full rebuild rather than a
// word-level diff against the old settings, which is simpler to keep
// correct and bounded by document count rather than by how many
// distinct settings changed.
func (c *Coordinator) runSettingsUpdate(indexUID string, detailsByUID map[uint32]map[string]any, uids []uint32) (map[uint32]map[string]any, error) {
	idx, err := c.manager.Open(indexUID)
	if err != nil {
		return nil, err
	}

	results := make(map[uint32]map[string]any, len(uids))

	err = idx.Env().RwTxn(func(itx *store.RwTx) error {
		old, err := idx.SettingsTx(itx)
		if err != nil {
			return err
		}
		current := old
		for _, uid := range uids {
			patch, ok := detailsByUID[uid]
			if !ok {
				results[uid] = map[string]any{}
				continue
			}
			next, err := decodeSettingsPatch(current, patch)
			if err != nil {
				return err
			}
			if err := next.Check(); err != nil {
				return err
			}
			current = next
			results[uid] = map[string]any{}
		}

		if err := idx.PutSettings(itx, current); err != nil {
			return err
		}
		if current.ReindexAffecting(old) {
			if err := rebuildFromDocuments(itx, idx, current); err != nil {
				return err
			}
		}
		return idx.Touch(itx)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// decodeSettingsPatch merges a partial settings object (JSON-decoded
// into a generic map by the enqueueing layer) onto base, field by
// field, so a settings update only needs to name the attributes it
// changes.
func decodeSettingsPatch(base indexstore.Settings, patch map[string]any) (indexstore.Settings, error) {
	baseRaw, err := json.Marshal(base)
	if err != nil {
		return base, errors.Internal("encode base settings", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(baseRaw, &merged); err != nil {
		return base, errors.Internal("decode base settings", err)
	}
	for k, v := range patch {
		merged[k] = v
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return base, errors.Internal("encode merged settings", err)
	}
	var out indexstore.Settings
	if err := json.Unmarshal(mergedRaw, &out); err != nil {
		return base, errors.InvalidRequest(errors.CodeInvalidRankingRule, "malformed settings update: "+err.Error())
	}
	return out, nil
}

// rebuildFromDocuments wipes every per-document word/facet/geo
// database and re-extracts them from every document already stored,
// under the new settings. Vector stores are left as they are.
func rebuildFromDocuments(itx *store.RwTx, idx *indexstore.Index, settings indexstore.Settings) error {
	if err := dropPerDocumentDatabases(itx); err != nil {
		return err
	}

	docsIDs, err := idx.DocumentsIDs(itx)
	if err != nil {
		return err
	}
	stopWords := tokenizer.BuildStopWordMap(settings.StopWords)
	bd := newBatchDeltas()

	it := docsIDs.Bitmap().Iterator()
	for it.HasNext() {
		docID := it.Next()
		raw, err := idx.Document(itx, docID)
		if err != nil {
			return err
		}
		var doc rawDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return errors.StoreError(errors.CodeStoreCorruption, "decode stored document", err)
		}
		fields := flattenDocument(doc)
		if err := indexDocumentFields(itx, idx, bd, settings, stopWords, docID, nil, false); err != nil {
			return err
		}
		if err := indexDocumentFields(itx, idx, bd, settings, stopWords, docID, fields, true); err != nil {
			return err
		}
		if err := indexGeo(itx, bd, docID, fields, true); err != nil {
			return err
		}
	}
	if err := bd.flush(itx); err != nil {
		return err
	}
	return rebuildWordFST(itx)
}

func dropPerDocumentDatabases(itx *store.RwTx) error {
	names := []string{
		indexstore.DBWordDocids, indexstore.DBExactWordDocids, indexstore.DBWordFidDocids,
		indexstore.DBWordPositionDocids, indexstore.DBWordPairProximityDocids, indexstore.DBFieldIDWordCountDocids,
		indexstore.DBFacetIDStringDocids, indexstore.DBFacetIDF64Docids, indexstore.DBFacetIDExistsDocids,
		indexstore.DBFacetIDIsNullDocids, indexstore.DBFacetIDIsEmptyDocids,
		indexstore.DBFieldIDDocidFacetStrings, indexstore.DBFieldIDDocidFacetF64s,
		indexstore.DBGeoRtree, indexstore.DBGeoFacetedDocumentsIDs,
		indexstore.DBWordsFST, indexstore.DBWordsPrefixesFST,
		dbFieldIDs, dbFieldIDs + "_meta", dbFieldNames,
	}
	for _, name := range names {
		if err := itx.DropDatabase(name); err != nil {
			return errors.StoreError(errors.CodeStoreIO, "drop "+name, err)
		}
	}
	return nil
}
