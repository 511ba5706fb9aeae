// Package wordindex builds and queries the words_fst / words_prefixes_fst
// ordered sets named in spec.md §3, used for prefix and typo-tolerant
// candidate enumeration (spec.md §4.H/§4.I).
//
// Grounded on the teacher's use of github.com/blevesearch/vellum for
// FST-backed set membership, generalized here from bleve's own segment
// format to a standalone word/prefix FST rebuilt on every merge.
package wordindex

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/blevesearch/vellum"
	"github.com/blevesearch/vellum/levenshtein"
)

// MaxPrefixLength is the prefix length indexed into words_prefixes_fst,
// matching the reference engine's short-prefix enumeration window.
const MaxPrefixLength = 4

// Build constructs an FST over the sorted, deduplicated words set. The
// associated value is unused (presence is the only thing tracked) but
// vellum requires monotonically non-decreasing uint64 values on
// insert, so callers pass the word's rank in the sorted input.
func Build(words []string) ([]byte, error) {
	sorted := append([]string(nil), words...)
	sort.Strings(sorted)
	sorted = dedupe(sorted)

	var buf bytes.Buffer
	builder, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("wordindex: new fst builder: %w", err)
	}
	for i, w := range sorted {
		if err := builder.Insert([]byte(w), uint64(i)); err != nil {
			return nil, fmt.Errorf("wordindex: insert %q: %w", w, err)
		}
	}
	if err := builder.Close(); err != nil {
		return nil, fmt.Errorf("wordindex: close fst builder: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildPrefixes constructs the prefix FST from the same word set,
// truncating each word to MaxPrefixLength runes (spec.md §3
// words_prefixes_fst).
func BuildPrefixes(words []string) ([]byte, error) {
	seen := make(map[string]bool, len(words))
	prefixes := make([]string, 0, len(words))
	for _, w := range words {
		r := []rune(w)
		if len(r) > MaxPrefixLength {
			r = r[:MaxPrefixLength]
		}
		p := string(r)
		if !seen[p] {
			seen[p] = true
			prefixes = append(prefixes, p)
		}
	}
	return Build(prefixes)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var last string
	first := true
	for _, w := range sorted {
		if first || w != last {
			out = append(out, w)
			last = w
			first = false
		}
	}
	return out
}

// Set is a loaded, queryable FST.
type Set struct {
	fst *vellum.FST
}

// Load parses a previously Built FST.
func Load(data []byte) (*Set, error) {
	if len(data) == 0 {
		return &Set{}, nil
	}
	fst, err := vellum.Load(data)
	if err != nil {
		return nil, fmt.Errorf("wordindex: load fst: %w", err)
	}
	return &Set{fst: fst}, nil
}

// Contains reports whether word is a member of the set.
func (s *Set) Contains(word string) bool {
	if s == nil || s.fst == nil {
		return false
	}
	_, found, err := s.fst.Get([]byte(word))
	return err == nil && found
}

// WithinEditDistance enumerates every member of the set within
// maxEdits Levenshtein edits of word (spec.md §4.H/§4.I typo-tolerant
// candidate enumeration), using vellum's Levenshtein automaton. The
// automaton is the same whatever prefix is: matches are always whole
// members within maxEdits of word, never longer words that merely
// start with it. prefix true only skips the direct edit-distance
// re-check of each candidate.
func (s *Set) WithinEditDistance(word string, maxEdits int, prefix bool) ([]string, error) {
	if s == nil || s.fst == nil {
		return nil, nil
	}
	pattern := word
	aut, err := levenshtein.New(pattern, uint8(maxEdits))
	if err != nil {
		return nil, fmt.Errorf("wordindex: build levenshtein automaton: %w", err)
	}

	itr, err := s.fst.Search(aut, nil, nil)
	var matches []string
	for err == nil {
		key, _ := itr.Current()
		candidate := string(key)
		if prefix || candidate == word || withinEdits(candidate, word, maxEdits) {
			matches = append(matches, candidate)
		}
		err = itr.Next()
	}
	if err != nil && err != vellum.ErrIteratorDone {
		return nil, fmt.Errorf("wordindex: iterate matches: %w", err)
	}
	return matches, nil
}

// withinEdits re-checks the automaton's candidate with a direct edit
// distance computation; vellum's automaton already restricts to
// maxEdits but prefix-extended matches can slip through when the
// automaton is built without prefix mode, so this is a defensive
// tie-breaker rather than the primary filter.
func withinEdits(a, b string, maxEdits int) bool {
	return levenshteinDistance(a, b) <= maxEdits
}

func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// Prefixes enumerates every member of the set that starts with prefix
// (words_prefixes_fst lookup path). prefix is used as given; it is not
// truncated to MaxPrefixLength runes.
func (s *Set) Prefixes(prefix string) ([]string, error) {
	if s == nil || s.fst == nil {
		return nil, nil
	}
	start := []byte(prefix)
	end := incrementBytes(start)
	itr, err := s.fst.Iterator(start, end)
	var matches []string
	for err == nil {
		key, _ := itr.Current()
		matches = append(matches, string(key))
		err = itr.Next()
	}
	if err != nil && err != vellum.ErrIteratorDone {
		return nil, fmt.Errorf("wordindex: iterate prefixes: %w", err)
	}
	return matches, nil
}

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
