package store

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Postings wraps a roaring.Bitmap as the value type used by every
// per-word, per-facet and per-attribute posting-list database named in
// spec.md §3 (word_docids, facet_id_*_docids, field_id_word_count_docids,
// ...). Roaring bitmaps give the union/intersection/difference
// operations the indexing merge step and the query executor's bucket
// iterators both need, at a fraction of the memory of a Go set.
type Postings struct {
	bitmap *roaring.Bitmap
}

// NewPostings returns an empty posting list.
func NewPostings() *Postings {
	return &Postings{bitmap: roaring.New()}
}

// PostingsFromIDs builds a posting list from a slice of document ids.
func PostingsFromIDs(ids ...uint32) *Postings {
	p := NewPostings()
	p.bitmap.AddMany(ids)
	return p
}

// Bitmap exposes the underlying roaring.Bitmap for callers that need
// direct bitmap algebra.
func (p *Postings) Bitmap() *roaring.Bitmap { return p.bitmap }

// Add inserts ids into the list.
func (p *Postings) Add(ids ...uint32) { p.bitmap.AddMany(ids) }

// Remove deletes ids from the list.
func (p *Postings) Remove(ids ...uint32) {
	for _, id := range ids {
		p.bitmap.Remove(id)
	}
}

// Contains reports whether id is present.
func (p *Postings) Contains(id uint32) bool { return p.bitmap.Contains(id) }

// Len returns the number of set document ids.
func (p *Postings) Len() int { return int(p.bitmap.GetCardinality()) }

// Clone returns a deep copy.
func (p *Postings) Clone() *Postings { return &Postings{bitmap: p.bitmap.Clone()} }

// Union returns a new Postings holding the union of p and other.
func (p *Postings) Union(other *Postings) *Postings {
	return &Postings{bitmap: roaring.Or(p.bitmap, other.bitmap)}
}

// Intersect returns a new Postings holding the intersection of p and other.
func (p *Postings) Intersect(other *Postings) *Postings {
	return &Postings{bitmap: roaring.And(p.bitmap, other.bitmap)}
}

// Difference returns a new Postings holding p minus other.
func (p *Postings) Difference(other *Postings) *Postings {
	return &Postings{bitmap: roaring.AndNot(p.bitmap, other.bitmap)}
}

// Encode serialises the bitmap for storage in a Database.
func (p *Postings) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := p.bitmap.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("store: encode postings: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePostings deserialises a posting list previously written with
// Encode. An empty/nil input yields an empty Postings rather than an
// error, so callers can treat "key absent" and "key present with no
// docs" identically.
func DecodePostings(data []byte) (*Postings, error) {
	p := NewPostings()
	if len(data) == 0 {
		return p, nil
	}
	if _, err := p.bitmap.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("store: decode postings: %w", err)
	}
	return p, nil
}

// DelAdd is the two-sided value spec.md §3/§4.F merges posting-list
// databases with: additions to union in, deletions to subtract out.
// `new = (old ∖ Del) ∪ Add`, so a delete followed by an add of the
// same id keeps it. Grounded on the teacher's facet-string
// side-map discipline (internal/store/bm25.go keeps both an old and a
// new normalized value during a reindex); generalized here to every
// posting-list database so that settings narrowing and document
// replacement share one merge primitive.
type DelAdd struct {
	Del *Postings
	Add *Postings
}

// NewDelAdd returns an empty DelAdd pair.
func NewDelAdd() DelAdd {
	return DelAdd{Del: NewPostings(), Add: NewPostings()}
}

// Merge applies the DelAdd discipline to an existing posting list,
// which may be nil (meaning "key did not exist before").
func (da DelAdd) Merge(old *Postings) *Postings {
	base := old
	if base == nil {
		base = NewPostings()
	}
	return base.Difference(da.Del).Union(da.Add)
}

// IsEmpty reports whether the pair has no additions and no deletions,
// i.e. applying it is a no-op.
func (da DelAdd) IsEmpty() bool {
	return da.Add.Len() == 0 && da.Del.Len() == 0
}
