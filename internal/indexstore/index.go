// Package indexstore is the per-index façade over internal/store
// (spec.md §4.E): it owns one index's environment directory, its
// document store, its primary-key ↔ document_id map, and its
// settings, and exposes the named inverted-index databases the
// indexing pipeline and query executor read and write.
//
// Grounded on the teacher's internal/index/coordinator.go "one
// façade owning an environment directory" shape and pkg/indexer's
// Stats()-snapshot idiom, generalized from one façade per scanned
// filesystem project to one façade per declared search index.
package indexstore

import (
	"time"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/store"
)

// Database names for the inverted-index entities of spec.md §3. Every
// name is namespaced to one Index's own *store.Env, so collisions
// across indexes are impossible by construction.
const (
	DBDocuments            = "documents"
	DBExternalToInternalID = "external_to_internal_id"
	DBDocumentsIDs         = "documents_ids"
	DBSettings             = "settings"
	DBMeta                 = "meta"

	DBWordDocids              = "word_docids"
	DBExactWordDocids         = "exact_word_docids"
	DBWordFidDocids           = "word_fid_docids"
	DBWordPositionDocids      = "word_position_docids"
	DBWordPairProximityDocids = "word_pair_proximity_docids"
	DBFieldIDWordCountDocids  = "field_id_word_count_docids"

	DBFacetIDStringDocids = "facet_id_string_docids"
	DBFacetIDF64Docids    = "facet_id_f64_docids"
	DBFacetIDExistsDocids = "facet_id_exists_docids"
	DBFacetIDIsNullDocids = "facet_id_is_null_docids"
	DBFacetIDIsEmptyDocids = "facet_id_is_empty_docids"

	DBFieldIDDocidFacetStrings = "field_id_docid_facet_strings"
	DBFieldIDDocidFacetF64s    = "field_id_docid_facet_f64s"

	DBGeoRtree               = "geo_rtree"
	DBGeoFacetedDocumentsIDs = "geo_faceted_documents_ids"

	DBWordsFST         = "words_fst"
	DBWordsPrefixesFST = "words_prefixes_fst"
)

const metaKeyPrimaryKey = "primary_key"
const metaKeyCreatedAt = "created_at"
const metaKeyUpdatedAt = "updated_at"
const metaKeyNextDocID = "next_document_id"

// Index is the open handle to one index's environment directory
// (`<root>/indexes/<uid>/`, spec.md §4.E).
type Index struct {
	UID string
	dir string
	env *store.Env
}

// Open opens (creating if necessary) the bbolt environment backing
// uid's directory and returns its façade. Callers get the index's
// settings via Settings, not as a constructor argument, so that
// re-opening an existing index never silently resets them.
func Open(uid, dir string) (*Index, error) {
	env, err := store.OpenEnv(dir + "/data.bbolt")
	if err != nil {
		return nil, errors.StoreError(errors.CodeStoreIO, "open index environment", err)
	}
	idx := &Index{UID: uid, dir: dir, env: env}

	if err := idx.env.RwTxn(func(tx *store.RwTx) error {
		db, err := tx.Database(DBMeta, store.BytesCodec{})
		if err != nil {
			return err
		}
		if db.Get([]byte(metaKeyCreatedAt)) == nil {
			now, err := time.Now().MarshalBinary()
			if err != nil {
				return err
			}
			if err := db.Put([]byte(metaKeyCreatedAt), now); err != nil {
				return err
			}
			if err := db.Put([]byte(metaKeyUpdatedAt), now); err != nil {
				return err
			}
		}
		settingsDB, err := tx.Database(DBSettings, store.JSONCodec{})
		if err != nil {
			return err
		}
		if settingsDB.Get([]byte("settings")) == nil {
			raw, err := store.EncodeJSON(DefaultSettings())
			if err != nil {
				return err
			}
			return settingsDB.Put([]byte("settings"), raw)
		}
		return nil
	}); err != nil {
		_ = env.Close()
		return nil, err
	}
	return idx, nil
}

// Env exposes the underlying store environment for the indexing
// pipeline and query executor, which both need direct access to the
// posting-list databases above.
func (idx *Index) Env() *store.Env { return idx.env }

// Dir is the index's on-disk environment directory.
func (idx *Index) Dir() string { return idx.dir }

// Close closes the environment without removing anything on disk.
func (idx *Index) Close() error { return idx.env.Close() }

// CreatedAt/UpdatedAt report the index's lifecycle timestamps
// (spec.md §3 "Index" attributes).
func (idx *Index) CreatedAt() (time.Time, error) { return idx.readTimestamp(metaKeyCreatedAt) }
func (idx *Index) UpdatedAt() (time.Time, error) { return idx.readTimestamp(metaKeyUpdatedAt) }

func (idx *Index) readTimestamp(key string) (time.Time, error) {
	var t time.Time
	err := idx.env.RoTxn(func(tx *store.RoTx) error {
		db, err := tx.Database(DBMeta, store.BytesCodec{})
		if err != nil {
			return err
		}
		raw := db.Get([]byte(key))
		if raw == nil {
			return nil
		}
		return t.UnmarshalBinary(raw)
	})
	return t, err
}

// Touch stamps updated_at to now, inside an already-open write
// transaction (called once per batch that mutates this index).
func (idx *Index) Touch(tx *store.RwTx) error {
	db, err := tx.Database(DBMeta, store.BytesCodec{})
	if err != nil {
		return err
	}
	now, err := time.Now().MarshalBinary()
	if err != nil {
		return err
	}
	return db.Put([]byte(metaKeyUpdatedAt), now)
}

// PrimaryKey returns the index's primary key field name, or "" if
// none has been assigned yet (spec.md §3 "Index" attributes,
// `primary_key?`).
func (idx *Index) PrimaryKey() (string, error) {
	var pk string
	err := idx.env.RoTxn(func(tx *store.RoTx) error {
		db, err := tx.Database(DBMeta, store.BytesCodec{})
		if err != nil {
			return err
		}
		raw := db.Get([]byte(metaKeyPrimaryKey))
		pk = string(raw)
		return nil
	})
	return pk, err
}

// SetPrimaryKey writes the primary key inside an open write
// transaction, overwriting any key already stored; it does not check
// for one. Changing an already-assigned primary key is an
// immutable-field conflict the caller must catch before calling this
// (spec.md §7 CodeImmutableField).
func (idx *Index) SetPrimaryKey(tx *store.RwTx, pk string) error {
	db, err := tx.Database(DBMeta, store.BytesCodec{})
	if err != nil {
		return err
	}
	return db.Put([]byte(metaKeyPrimaryKey), []byte(pk))
}

// PrimaryKeyTx is PrimaryKey read against an already-open transaction,
// for callers (the indexing pipeline) that must not mix a fresh RoTxn
// snapshot with writes staged earlier in the same batch.
func (idx *Index) PrimaryKeyTx(tx store.Tx) (string, error) {
	db, err := tx.Database(DBMeta, store.BytesCodec{})
	if err != nil {
		return "", err
	}
	return string(db.Get([]byte(metaKeyPrimaryKey))), nil
}

// Settings returns the index's current settings.
func (idx *Index) Settings() (Settings, error) {
	var s Settings
	err := idx.env.RoTxn(func(tx *store.RoTx) error {
		db, err := tx.Database(DBSettings, store.JSONCodec{})
		if err != nil {
			return err
		}
		raw := db.Get([]byte("settings"))
		if raw == nil {
			s = DefaultSettings()
			return nil
		}
		return store.DecodeJSON(raw, &s)
	})
	return s, err
}

// SettingsTx is Settings read against an already-open transaction, for
// the same reason PrimaryKeyTx exists.
func (idx *Index) SettingsTx(tx store.Tx) (Settings, error) {
	var s Settings
	db, err := tx.Database(DBSettings, store.JSONCodec{})
	if err != nil {
		return s, err
	}
	raw := db.Get([]byte("settings"))
	if raw == nil {
		return DefaultSettings(), nil
	}
	if err := store.DecodeJSON(raw, &s); err != nil {
		return s, err
	}
	return s, nil
}

// PutSettings persists s, inside an open write transaction, after the
// scheduler has already validated it via Settings.Check.
func (idx *Index) PutSettings(tx *store.RwTx, s Settings) error {
	db, err := tx.Database(DBSettings, store.JSONCodec{})
	if err != nil {
		return err
	}
	raw, err := store.EncodeJSON(s)
	if err != nil {
		return errors.Internal("encode settings", err)
	}
	return db.Put([]byte("settings"), raw)
}

// NextDocumentID allocates the next internal document_id, inside an
// open write transaction (spec.md §3 "Document": "internal document_id
// ... stable for the lifetime of the document").
func (idx *Index) NextDocumentID(tx *store.RwTx) (uint32, error) {
	db, err := tx.Database(DBMeta, store.BytesCodec{})
	if err != nil {
		return 0, err
	}
	raw := db.Get([]byte(metaKeyNextDocID))
	var next uint32
	if raw != nil {
		next = store.DecodeU32Key(raw)
	}
	if err := db.Put([]byte(metaKeyNextDocID), store.U32Key(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

// ExternalID looks up the internal document_id for an external
// primary-key value, inside an open transaction.
func (idx *Index) ExternalID(tx store.Tx, externalID string) (uint32, bool, error) {
	db, err := tx.Database(DBExternalToInternalID, store.BytesCodec{})
	if err != nil {
		return 0, false, err
	}
	raw := db.Get([]byte(externalID))
	if raw == nil {
		return 0, false, nil
	}
	return store.DecodeU32Key(raw), true, nil
}

// PutExternalID records the external → internal id mapping.
func (idx *Index) PutExternalID(tx *store.RwTx, externalID string, docID uint32) error {
	db, err := tx.Database(DBExternalToInternalID, store.BytesCodec{})
	if err != nil {
		return err
	}
	return db.Put([]byte(externalID), store.U32Key(docID))
}

// DeleteExternalID removes the external → internal id mapping.
func (idx *Index) DeleteExternalID(tx *store.RwTx, externalID string) error {
	db, err := tx.Database(DBExternalToInternalID, store.BytesCodec{})
	if err != nil {
		return err
	}
	return db.Delete([]byte(externalID))
}

// Document reads the raw JSON-encoded obkv record for docID.
func (idx *Index) Document(tx store.Tx, docID uint32) ([]byte, error) {
	db, err := tx.Database(DBDocuments, store.BytesCodec{})
	if err != nil {
		return nil, err
	}
	raw := db.Get(store.U32Key(docID))
	if raw == nil {
		return nil, errors.NotFound(errors.CodeDocumentNotFound, "document not found")
	}
	return raw, nil
}

// PutDocument stores the raw JSON-encoded obkv record for docID.
func (idx *Index) PutDocument(tx *store.RwTx, docID uint32, raw []byte) error {
	db, err := tx.Database(DBDocuments, store.BytesCodec{})
	if err != nil {
		return err
	}
	return db.Put(store.U32Key(docID), raw)
}

// DeleteDocument removes the raw record for docID.
func (idx *Index) DeleteDocument(tx *store.RwTx, docID uint32) error {
	db, err := tx.Database(DBDocuments, store.BytesCodec{})
	if err != nil {
		return err
	}
	return db.Delete(store.U32Key(docID))
}

// DocumentsIDs returns the full documents-ids bitmap (spec.md §4.F
// phase 10 "Bookkeeping").
func (idx *Index) DocumentsIDs(tx store.Tx) (*store.Postings, error) {
	db, err := tx.Database(DBDocumentsIDs, store.BytesCodec{})
	if err != nil {
		return nil, err
	}
	return store.DecodePostings(db.Get([]byte("ids")))
}

// PutDocumentsIDs overwrites the documents-ids bitmap.
func (idx *Index) PutDocumentsIDs(tx *store.RwTx, p *store.Postings) error {
	db, err := tx.Database(DBDocumentsIDs, store.BytesCodec{})
	if err != nil {
		return err
	}
	enc, err := p.Encode()
	if err != nil {
		return errors.Internal("encode documents ids bitmap", err)
	}
	return db.Put([]byte("ids"), enc)
}

// NumberOfDocuments returns the document count (pkg/indexer's
// IndexStats.DocumentCount idiom, surfaced here as a plain accessor).
func (idx *Index) NumberOfDocuments() (int, error) {
	var n int
	err := idx.env.RoTxn(func(tx *store.RoTx) error {
		p, err := idx.DocumentsIDs(tx)
		if err != nil {
			return err
		}
		n = p.Len()
		return nil
	})
	return n, err
}
