// Package indexing turns a scheduler-selected batch of document or
// settings mutations into the inverted-index structures named in
// spec.md §3 (spec.md §4.F). It is the Handler the scheduler drives:
// Coordinator.Execute runs inside the scheduler's single rw_txn.
//
// Grounded on the teacher's internal/index/runner.go /
// internal/index/coordinator.go "single pass over a batch of files,
// single writer transaction" shape, generalized from filesystem
// project indexing to document/settings batch indexing, and on
// internal/store/bm25.go's DelAdd side-map discipline for posting
// lists, now expressed through internal/store.DelAdd directly.
package indexing

import (
	"encoding/binary"
	"math"
)

const (
	// separator joins composite-key segments. Tokens and field names
	// are never allowed to contain a NUL byte, so this never collides.
	separator = 0x00

	// maxPosition bounds the per-field word offset packed into
	// word_position_docids' position component (spec.md §3).
	maxPosition = 1000

	// maxWordCountBucket is field_id_word_count_docids' word-count cap
	// (spec.md §4.F phase 2: "words count ... when the last position <= 10").
	maxWordCountBucket = 10

	// maxProximity is the highest proximity bucket tracked between a
	// word pair (spec.md §3 "proximity ∈ 1..=7").
	maxProximity = 7

	// maxDistance caps cross-field proximity computation (spec.md §4.F
	// phase 7 "MAX_DISTANCE=8").
	maxDistance = 8

	// maxVectorsPerDocument is the TooManyVectors threshold (spec.md §4.F
	// phase 8, §7 CategoryUnprocessableEntity).
	maxVectorsPerDocument = 255
)

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func decodeU16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// wordFieldKey keys word_fid_docids: (word, field_id) -> doc_ids.
func wordFieldKey(word string, fieldID uint16) []byte {
	k := make([]byte, 0, len(word)+3)
	k = append(k, []byte(word)...)
	k = append(k, separator)
	k = append(k, u16(fieldID)...)
	return k
}

// wordPositionKey keys word_position_docids: (word, position) -> doc_ids,
// position = field_id*maxPosition + offset_in_field.
func wordPositionKey(word string, position uint32) []byte {
	k := make([]byte, 0, len(word)+5)
	k = append(k, []byte(word)...)
	k = append(k, separator)
	k = append(k, u32(position)...)
	return k
}

func packPosition(fieldID uint16, offset int) uint32 {
	return uint32(fieldID)*maxPosition + uint32(offset)
}

// wordPairProximityKey keys word_pair_proximity_docids:
// (proximity, word1, word2) -> doc_ids. Proximity is the leading byte
// so a range scan over one proximity bucket is a simple prefix scan.
func wordPairProximityKey(proximity uint8, word1, word2 string) []byte {
	k := make([]byte, 0, 1+len(word1)+1+len(word2))
	k = append(k, proximity)
	k = append(k, []byte(word1)...)
	k = append(k, separator)
	k = append(k, []byte(word2)...)
	return k
}

// fieldWordCountKey keys field_id_word_count_docids: (field_id, word_count) -> doc_ids.
func fieldWordCountKey(fieldID uint16, wordCount int) []byte {
	if wordCount > maxWordCountBucket {
		wordCount = maxWordCountBucket
	}
	k := make([]byte, 0, 3)
	k = append(k, u16(fieldID)...)
	k = append(k, byte(wordCount))
	return k
}

// facetStringKey keys facet_id_string_docids: (field_id, normalized value) -> doc_ids.
func facetStringKey(fieldID uint16, value string) []byte {
	k := make([]byte, 0, len(value)+2)
	k = append(k, u16(fieldID)...)
	k = append(k, []byte(value)...)
	return k
}

// facetF64Key keys facet_id_f64_docids: (field_id, value) -> doc_ids, with
// value encoded so that byte order matches numeric order (flip the
// sign bit, and invert all bits for negatives).
func facetF64Key(fieldID uint16, value float64) []byte {
	bits := math.Float64bits(value)
	if value >= 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	k := make([]byte, 0, 10)
	k = append(k, u16(fieldID)...)
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, bits)
	return append(k, b...)
}

// fieldOnlyKey keys the field-scoped existence/null/empty databases:
// facet_id_exists_docids etc, one bitmap per field_id.
func fieldOnlyKey(fieldID uint16) []byte { return u16(fieldID) }

// docidFacetKey keys field_id_docid_facet_strings/f64s' reverse map:
// (field_id, doc_id) -> original value.
func docidFacetKey(fieldID uint16, docID uint32) []byte {
	k := make([]byte, 0, 6)
	k = append(k, u16(fieldID)...)
	k = append(k, u32(docID)...)
	return k
}
