package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostings_EncodeDecodeRoundTrip(t *testing.T) {
	// Given: a posting list with a few document ids
	p := PostingsFromIDs(1, 5, 9)

	// When: it is encoded then decoded
	data, err := p.Encode()
	require.NoError(t, err)
	got, err := DecodePostings(data)
	require.NoError(t, err)

	// Then: the decoded list has the same members
	assert.Equal(t, p.Len(), got.Len())
	assert.True(t, got.Contains(5))
	assert.False(t, got.Contains(2))
}

func TestDecodePostings_EmptyInputYieldsEmptySet(t *testing.T) {
	// Given/When: decoding a nil byte slice (key never written)
	p, err := DecodePostings(nil)

	// Then: it behaves as an empty posting list, not an error
	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestDelAdd_MergeIsDeleteThenAdd(t *testing.T) {
	// Given: an existing posting list and a DelAdd removing one id and adding another
	old := PostingsFromIDs(1, 2, 3)
	da := NewDelAdd()
	da.Del.Add(2)
	da.Add.Add(4)

	// When: the delta is merged
	merged := da.Merge(old)

	// Then: the result is (old \ del) ∪ add
	assert.True(t, merged.Contains(1))
	assert.False(t, merged.Contains(2))
	assert.True(t, merged.Contains(3))
	assert.True(t, merged.Contains(4))
	assert.Equal(t, 3, merged.Len())
}

func TestDelAdd_MergeOnNilOldIsJustAdd(t *testing.T) {
	// Given: no prior posting list (new word never seen before)
	da := NewDelAdd()
	da.Add.Add(7)

	// When: merging against nil
	merged := da.Merge(nil)

	// Then: the result is just the additions
	assert.True(t, merged.Contains(7))
	assert.Equal(t, 1, merged.Len())
}

func TestDeleteThenAddEqualsReplace(t *testing.T) {
	// Testable property #5 (spec.md §8): applying (delete d, add d')
	// is observationally equivalent to applying (replace d with d').

	// Given: a document's old and new posting membership
	old := PostingsFromIDs(10)

	// When: delete-then-add is expressed as a single DelAdd
	replace := NewDelAdd()
	replace.Del.Add(10)
	replace.Add.Add(10) // same docid, updated fields elsewhere

	viaDelAdd := replace.Merge(old)

	// And: the equivalent two-step application
	afterDelete := old.Difference(PostingsFromIDs(10))
	afterAdd := afterDelete.Union(PostingsFromIDs(10))

	// Then: both paths agree
	assert.Equal(t, afterAdd.Len(), viaDelAdd.Len())
	assert.Equal(t, afterAdd.Contains(10), viaDelAdd.Contains(10))
}
