package indexing

import (
	"sort"
	"strconv"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/store"
	"github.com/motiflabs/loam/internal/tokenizer"
)

// attributesOrAll resolves spec.md §3's "[] or [\"*\"] means every
// field" convention for SearchableAttributes/FilterableAttributes/
// SortableAttributes against one document's flattened field set.
func attributesOrAll(configured []string, fields map[string]any) []string {
	all := len(configured) == 0
	for _, a := range configured {
		if a == "*" {
			all = true
			break
		}
	}
	if !all {
		return configured
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scalarString renders a facet/searchable leaf value to text the way
// the reference engine normalizes values before tokenizing or faceting
// them: strings pass through, numbers use their canonical decimal form,
// booleans become "true"/"false".
func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}

// indexWords tokenizes text and applies every word/position/proximity
// addition or removal for fieldID into bd, returning the field's word
// count (spec.md §4.F phases 2 and 7).
func indexWords(bd *batchDeltas, stopWords map[string]bool, text string, fieldID uint16, docID uint32, add bool) int {
	words := tokenizer.FilterStopWords(tokenizer.Words(text), stopWords)
	var prevWords []string
	for i, w := range words {
		if i >= maxPosition {
			break
		}
		wfKey := wordFieldKey(w, fieldID)
		wpKey := wordPositionKey(w, packPosition(fieldID, i))
		if add {
			bd.wordDocids.add([]byte(w), docID)
			bd.exactWordDocids.add([]byte(w), docID)
			bd.wordFid.add(wfKey, docID)
			bd.wordPosition.add(wpKey, docID)
		} else {
			bd.wordDocids.del([]byte(w), docID)
			bd.exactWordDocids.del([]byte(w), docID)
			bd.wordFid.del(wfKey, docID)
			bd.wordPosition.del(wpKey, docID)
		}

		for back, prev := range prevWords {
			distance := back + 1
			if distance > maxDistance {
				break
			}
			proximity := uint8(distance)
			if proximity > maxProximity {
				proximity = maxProximity
			}
			w1, w2 := prev, w
			key := wordPairProximityKey(proximity, w1, w2)
			if add {
				bd.wordProximity.add(key, docID)
			} else {
				bd.wordProximity.del(key, docID)
			}
		}
		prevWords = prependCapped(prevWords, w, maxDistance)
	}

	if len(words) <= maxWordCountBucket {
		wcKey := fieldWordCountKey(fieldID, len(words))
		if add {
			bd.fieldWordCount.add(wcKey, docID)
		} else {
			bd.fieldWordCount.del(wcKey, docID)
		}
	}
	return len(words)
}

// prependCapped keeps the most recent `cap` words seen, most-recent
// first, so the proximity loop above only ever looks backward at words
// within maxDistance of the current one.
func prependCapped(words []string, w string, limit int) []string {
	out := append([]string{w}, words...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// indexFacets applies facet-value additions or removals for one
// attribute across the string/f64/exists/null/empty databases (spec.md
// §4.F phase 3), and keeps the per-(field,doc) reverse map current so
// sort and distinct can recover the original value without re-scanning
// the document.
func indexFacets(tx *store.RwTx, bd *batchDeltas, fieldID uint16, docID uint32, v any, add bool) error {
	existsKey := fieldOnlyKey(fieldID)
	if v == nil {
		if add {
			bd.facetIsNull.add(existsKey, docID)
		} else {
			bd.facetIsNull.del(existsKey, docID)
		}
		return nil
	}
	if add {
		bd.facetExists.add(existsKey, docID)
	} else {
		bd.facetExists.del(existsKey, docID)
	}

	if isEmptyFacetValue(v) {
		if add {
			bd.facetIsEmpty.add(existsKey, docID)
		} else {
			bd.facetIsEmpty.del(existsKey, docID)
		}
	}

	values := facetLeaves(v)
	for _, leaf := range values {
		switch x := leaf.(type) {
		case float64:
			key := facetF64Key(fieldID, x)
			if add {
				bd.facetF64.add(key, docID)
			} else {
				bd.facetF64.del(key, docID)
			}
			if err := putFacetReverse(tx, indexstore.DBFieldIDDocidFacetF64s, fieldID, docID, []byte(strconv.FormatFloat(x, 'g', -1, 64)), add); err != nil {
				return err
			}
		default:
			s, ok := scalarString(leaf)
			if !ok {
				continue
			}
			key := facetStringKey(fieldID, s)
			if add {
				bd.facetString.add(key, docID)
			} else {
				bd.facetString.del(key, docID)
			}
			if err := putFacetReverse(tx, indexstore.DBFieldIDDocidFacetStrings, fieldID, docID, []byte(s), add); err != nil {
				return err
			}
		}
	}
	return nil
}

func isEmptyFacetValue(v any) bool {
	switch x := v.(type) {
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	default:
		return false
	}
}

// facetLeaves expands a facet value into its indexable scalars: arrays
// index every element as its own facet value (spec.md §3 "array values
// facet independently").
func facetLeaves(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

func putFacetReverse(tx *store.RwTx, dbName string, fieldID uint16, docID uint32, value []byte, add bool) error {
	db, err := tx.Database(dbName, store.BytesCodec{})
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "open "+dbName, err)
	}
	key := docidFacetKey(fieldID, docID)
	if !add {
		return db.Delete(key)
	}
	return db.Put(key, value)
}

// indexDocumentFields walks every searchable and filterable/sortable
// attribute of one document's flattened field set and applies its
// word/facet additions (add=true) or removals (add=false). fields may
// be nil, meaning there is nothing to apply for this side of the diff
// (a brand-new document has no "old" side; a deleted document has no
// "new" side).
func indexDocumentFields(tx *store.RwTx, idx *indexstore.Index, bd *batchDeltas, settings indexstore.Settings, stopWords map[string]bool, docID uint32, fields map[string]any, add bool) error {
	if fields == nil {
		return nil
	}

	searchable := attributesOrAll(settings.SearchableAttributes, fields)
	for _, name := range searchable {
		v, ok := fields[name]
		if !ok {
			continue
		}
		text, ok := textForTokenizing(v)
		if !ok {
			continue
		}
		fieldID, err := fieldIDFor(tx, name)
		if err != nil {
			return err
		}
		indexWords(bd, stopWords, text, fieldID, docID, add)
	}

	facetAttrs := unionAttributes(settings.FilterableAttributes, settings.SortableAttributes)
	for _, name := range attributesOrAllFacet(facetAttrs, fields) {
		fieldID, err := fieldIDFor(tx, name)
		if err != nil {
			return err
		}
		v := fields[name]
		if err := indexFacets(tx, bd, fieldID, docID, v, add); err != nil {
			return err
		}
	}
	return nil
}

func attributesOrAllFacet(configured []string, fields map[string]any) []string {
	if len(configured) == 0 {
		return nil
	}
	out := make([]string, 0, len(configured))
	for _, name := range configured {
		if name == "*" {
			return attributesOrAll(nil, fields)
		}
		out = append(out, name)
	}
	return out
}

func unionAttributes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// textForTokenizing renders a searchable leaf to text, joining array
// elements with a space so consecutive-word proximity still applies
// across them.
func textForTokenizing(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case []any:
		out := ""
		for i, e := range x {
			s, ok := scalarString(e)
			if !ok {
				continue
			}
			if i > 0 {
				out += " "
			}
			out += s
		}
		return out, out != ""
	default:
		return "", false
	}
}
