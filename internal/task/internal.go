package task

import (
	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/store"
)

func (q *Queue) nextUID(tx *store.RwTx) (uint32, error) {
	db, err := tx.Database(dbMeta, store.BytesCodec{})
	if err != nil {
		return 0, errors.StoreError(errors.CodeStoreIO, "open tasks_meta database", err)
	}
	raw := db.Get([]byte(metaNextUID))
	var next uint32
	if raw != nil {
		next = store.DecodeU32Key(raw)
	}
	if err := db.Put([]byte(metaNextUID), store.U32Key(next+1)); err != nil {
		return 0, errors.StoreError(errors.CodeStoreIO, "advance next task uid", err)
	}
	return next, nil
}

func (q *Queue) putTask(tx *store.RwTx, t *Task) error {
	db, err := tx.Database(dbTasks, store.JSONCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open tasks database", err)
	}
	raw, err := store.EncodeJSON(t)
	if err != nil {
		return errors.Internal("encode task record", err)
	}
	if err := db.Put(store.U32Key(t.UID), raw); err != nil {
		return errors.StoreError(errors.CodeStoreIO, "persist task record", err)
	}
	return nil
}

// getTask reads a task record through any transaction that can open a
// Database for reading (*store.RoTx or *store.RwTx).
func (q *Queue) getTask(tx store.Tx, uid uint32) (*Task, error) {
	db, err := tx.Database(dbTasks, store.JSONCodec{})
	if err != nil {
		return nil, errors.StoreError(errors.CodeStoreIO, "open tasks database", err)
	}
	raw := db.Get(store.U32Key(uid))
	if raw == nil {
		return nil, errors.NotFound(errors.CodeTaskNotFound, "task not found")
	}
	var t Task
	if err := store.DecodeJSON(raw, &t); err != nil {
		return nil, errors.Internal("decode task record", err)
	}
	return &t, nil
}

// indexInsert adds uid to every secondary index bucket matching t's
// current status/kind/index_uid.
func (q *Queue) indexInsert(tx *store.RwTx, t *Task) error {
	if err := addToBucket(tx, dbByStatus, string(t.Status), t.UID); err != nil {
		return err
	}
	if err := addToBucket(tx, dbByKind, string(t.Kind), t.UID); err != nil {
		return err
	}
	if t.IndexUID != nil {
		if err := addToBucket(tx, dbByIndexUID, *t.IndexUID, t.UID); err != nil {
			return err
		}
	}
	return nil
}

// reindexStatus moves uid from the old status bucket to the new one.
func (q *Queue) reindexStatus(tx *store.RwTx, uid uint32, oldStatus, newStatus Status) error {
	if oldStatus == newStatus {
		return nil
	}
	if err := removeFromBucket(tx, dbByStatus, string(oldStatus), uid); err != nil {
		return err
	}
	return addToBucket(tx, dbByStatus, string(newStatus), uid)
}

func addToBucket(tx *store.RwTx, dbName, key string, uid uint32) error {
	db, err := tx.Database(dbName, store.BytesCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open "+dbName+" database", err)
	}
	postings, err := store.DecodePostings(db.Get([]byte(key)))
	if err != nil {
		return errors.Internal("decode posting list for "+dbName, err)
	}
	postings.Add(uid)
	enc, err := postings.Encode()
	if err != nil {
		return errors.Internal("encode posting list for "+dbName, err)
	}
	if err := db.Put([]byte(key), enc); err != nil {
		return errors.StoreError(errors.CodeStoreIO, "update "+dbName, err)
	}
	return nil
}

func removeFromBucket(tx *store.RwTx, dbName, key string, uid uint32) error {
	db, err := tx.Database(dbName, store.BytesCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open "+dbName+" database", err)
	}
	postings, err := store.DecodePostings(db.Get([]byte(key)))
	if err != nil {
		return errors.Internal("decode posting list for "+dbName, err)
	}
	postings.Remove(uid)
	enc, err := postings.Encode()
	if err != nil {
		return errors.Internal("encode posting list for "+dbName, err)
	}
	if err := db.Put([]byte(key), enc); err != nil {
		return errors.StoreError(errors.CodeStoreIO, "update "+dbName, err)
	}
	return nil
}

// candidateUIDs returns the set of uids worth checking against filter,
// narrowed by the secondary indexes whenever the filter constrains
// status/kind/index_uid, falling back to a full scan otherwise.
func (q *Queue) candidateUIDs(tx store.Tx, filter Filter) ([]uint32, error) {
	if len(filter.UIDs) > 0 {
		return append([]uint32(nil), filter.UIDs...), nil
	}

	var narrowed *store.Postings
	narrow := func(dbName string, keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		db, err := tx.Database(dbName, store.BytesCodec{})
		if err != nil {
			return errors.StoreError(errors.CodeStoreIO, "open "+dbName+" database", err)
		}
		union := store.NewPostings()
		for _, k := range keys {
			p, err := store.DecodePostings(db.Get([]byte(k)))
			if err != nil {
				return errors.Internal("decode posting list for "+dbName, err)
			}
			union = union.Union(p)
		}
		if narrowed == nil {
			narrowed = union
		} else {
			narrowed = narrowed.Intersect(union)
		}
		return nil
	}

	statusKeys := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statusKeys[i] = string(s)
	}
	kindKeys := make([]string, len(filter.Kinds))
	for i, k := range filter.Kinds {
		kindKeys[i] = string(k)
	}

	if err := narrow(dbByStatus, statusKeys); err != nil {
		return nil, err
	}
	if err := narrow(dbByKind, kindKeys); err != nil {
		return nil, err
	}
	if err := narrow(dbByIndexUID, filter.IndexUIDs); err != nil {
		return nil, err
	}

	if narrowed != nil {
		return narrowed.Bitmap().ToArray(), nil
	}

	// No constraints narrowed the search: scan every task.
	db, err := tx.Database(dbTasks, store.JSONCodec{})
	if err != nil {
		return nil, errors.StoreError(errors.CodeStoreIO, "open tasks database", err)
	}
	var all []uint32
	db.ForEach(func(e store.Entry) bool {
		all = append(all, store.DecodeU32Key(e.Key))
		return true
	})
	return all, nil
}
