package indexing

import (
	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/store"
)

// dbFieldIDs maps field name -> uint16 field_id, assigned on first
// sight and stable thereafter (spec.md §3 "field_id" is implicit
// throughout the inverted-index entities).
const dbFieldIDs = "field_ids"
const dbFieldNames = "field_names"
const metaNextFieldID = "next_field_id"

// fieldIDFor returns name's field_id, assigning the next available one
// if name has never been seen in this index before.
func fieldIDFor(tx *store.RwTx, name string) (uint16, error) {
	ids, err := tx.Database(dbFieldIDs, store.BytesCodec{})
	if err != nil {
		return 0, errors.StoreError(errors.CodeStoreIO, "open field_ids database", err)
	}
	if raw := ids.Get([]byte(name)); raw != nil {
		return decodeU16(raw), nil
	}

	meta, err := tx.Database(dbFieldIDs+"_meta", store.BytesCodec{})
	if err != nil {
		return 0, errors.StoreError(errors.CodeStoreIO, "open field_ids meta database", err)
	}
	var next uint16
	if raw := meta.Get([]byte(metaNextFieldID)); raw != nil {
		next = decodeU16(raw)
	}
	if err := meta.Put([]byte(metaNextFieldID), u16(next+1)); err != nil {
		return 0, errors.StoreError(errors.CodeStoreIO, "advance next field id", err)
	}
	if err := ids.Put([]byte(name), u16(next)); err != nil {
		return 0, errors.StoreError(errors.CodeStoreIO, "assign field id", err)
	}

	names, err := tx.Database(dbFieldNames, store.BytesCodec{})
	if err != nil {
		return 0, errors.StoreError(errors.CodeStoreIO, "open field_names database", err)
	}
	if err := names.Put(u16(next), []byte(name)); err != nil {
		return 0, errors.StoreError(errors.CodeStoreIO, "store field name", err)
	}
	return next, nil
}

// fieldNameFor is the inverse of fieldIDFor, used by sort/distinct/
// display-time reverse lookups.
func fieldNameFor(tx store.Tx, id uint16) (string, error) {
	names, err := tx.Database(dbFieldNames, store.BytesCodec{})
	if err != nil {
		return "", err
	}
	raw := names.Get(u16(id))
	if raw == nil {
		return "", errors.Internal("unknown field id", nil)
	}
	return string(raw), nil
}
