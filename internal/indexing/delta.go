package indexing

import (
	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/store"
)

// deltaMap accumulates the DelAdd pair for every composite key touched
// by one batch, keyed by the raw key bytes (as a string so it can key a
// Go map). It is the in-memory staging area the ten-phase pipeline
// writes into before flush commits every database in one pass
// (spec.md §4.F phase 6 "Merging").
type deltaMap map[string]store.DelAdd

func (m deltaMap) add(key []byte, docID uint32) {
	k := string(key)
	d, ok := m[k]
	if !ok {
		d = store.NewDelAdd()
	}
	d.Add.Add(docID)
	m[k] = d
}

func (m deltaMap) del(key []byte, docID uint32) {
	k := string(key)
	d, ok := m[k]
	if !ok {
		d = store.NewDelAdd()
	}
	d.Del.Add(docID)
	m[k] = d
}

// flush applies every accumulated DelAdd pair to dbName inside tx,
// deleting a key outright when its merged posting list becomes empty
// so that a fully-dereferenced word/facet leaves no trace (spec.md §4.F
// phase 6, grounded on internal/store.DelAdd.Merge).
func (m deltaMap) flush(tx *store.RwTx, dbName string) error {
	if len(m) == 0 {
		return nil
	}
	db, err := tx.Database(dbName, store.BytesCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open "+dbName, err)
	}
	for k, delta := range m {
		key := []byte(k)
		old, err := store.DecodePostings(db.Get(key))
		if err != nil {
			return errors.StoreError(errors.CodeStoreCorruption, "decode postings in "+dbName, err)
		}
		merged := delta.Merge(old)
		if merged.Len() == 0 {
			if err := db.Delete(key); err != nil {
				return errors.StoreError(errors.CodeStoreIO, "delete from "+dbName, err)
			}
			continue
		}
		enc, err := merged.Encode()
		if err != nil {
			return errors.Internal("encode postings for "+dbName, err)
		}
		if err := db.Put(key, enc); err != nil {
			return errors.StoreError(errors.CodeStoreIO, "write "+dbName, err)
		}
	}
	return nil
}

// batchDeltas groups every posting-list database's deltaMap for one
// batch, so the extraction phases can write into named fields instead
// of threading a dozen positional arguments.
type batchDeltas struct {
	wordDocids      deltaMap
	exactWordDocids deltaMap
	wordFid         deltaMap
	wordPosition    deltaMap
	wordProximity   deltaMap
	fieldWordCount  deltaMap
	facetString     deltaMap
	facetF64        deltaMap
	facetExists     deltaMap
	facetIsNull     deltaMap
	facetIsEmpty    deltaMap
	geoFaceted      deltaMap
}

func newBatchDeltas() *batchDeltas {
	return &batchDeltas{
		wordDocids:      deltaMap{},
		exactWordDocids: deltaMap{},
		wordFid:         deltaMap{},
		wordPosition:    deltaMap{},
		wordProximity:   deltaMap{},
		fieldWordCount:  deltaMap{},
		facetString:     deltaMap{},
		facetF64:        deltaMap{},
		facetExists:     deltaMap{},
		facetIsNull:     deltaMap{},
		facetIsEmpty:    deltaMap{},
		geoFaceted:      deltaMap{},
	}
}

func (b *batchDeltas) flush(tx *store.RwTx) error {
	pairs := []struct {
		m  deltaMap
		db string
	}{
		{b.wordDocids, indexstore.DBWordDocids},
		{b.exactWordDocids, indexstore.DBExactWordDocids},
		{b.wordFid, indexstore.DBWordFidDocids},
		{b.wordPosition, indexstore.DBWordPositionDocids},
		{b.wordProximity, indexstore.DBWordPairProximityDocids},
		{b.fieldWordCount, indexstore.DBFieldIDWordCountDocids},
		{b.facetString, indexstore.DBFacetIDStringDocids},
		{b.facetF64, indexstore.DBFacetIDF64Docids},
		{b.facetExists, indexstore.DBFacetIDExistsDocids},
		{b.facetIsNull, indexstore.DBFacetIDIsNullDocids},
		{b.facetIsEmpty, indexstore.DBFacetIDIsEmptyDocids},
		{b.geoFaceted, indexstore.DBGeoFacetedDocumentsIDs},
	}
	for _, p := range pairs {
		if err := p.m.flush(tx, p.db); err != nil {
			return err
		}
	}
	return nil
}
