package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Codec encodes and decodes the typed key/value pairs of one Database.
// Implementations are the closed set used throughout loam (JSON values,
// raw bytes, roaring-bitmap postings, big-endian uint32 keys); Codec is
// a tagged-union style contract rather than an open plugin point, so
// dispatch stays monomorphic on loam's hot paths (§4.A, §9 "dynamic
// dispatch").
type Codec interface {
	// Name identifies the codec for diagnostics.
	Name() string
}

// BytesCodec is the identity codec: keys and values pass through
// unchanged. Used for posting-list databases where the caller already
// holds encoded roaring-bitmap bytes.
type BytesCodec struct{}

func (BytesCodec) Name() string { return "bytes" }

// JSONCodec marshals Go values with encoding/json. Used for task
// records, batch records, and settings documents where human-readable
// on-disk representation aids debugging and dump export.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

// EncodeJSON is a helper for Database.Put callers using JSONCodec.
func EncodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode json: %w", err)
	}
	return b, nil
}

// DecodeJSON is a helper for Database.Get callers using JSONCodec.
func DecodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode json: %w", err)
	}
	return nil
}

// U32Key encodes n as a big-endian uint32 key so that lexicographic
// byte order matches numeric order. Used for task uids, batch uids,
// and document ids.
func U32Key(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// DecodeU32Key is the inverse of U32Key.
func DecodeU32Key(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// PrefixRange returns the half-open byte range [prefix, prefix+1) used
// to scan every key beginning with prefix, matching spec.md §4.A's
// "prefix scans are expressed as half-open byte ranges".
func PrefixRange(prefix []byte) (start, end []byte) {
	start = append([]byte(nil), prefix...)
	end = incrementBytes(prefix)
	return start, end
}

// incrementBytes returns the smallest byte string strictly greater than
// every string with the given prefix, or nil if prefix is all 0xFF
// (meaning the range is unbounded above).
func incrementBytes(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
