// Package vectorindex is the per-(index, embedder) approximate-nearest-
// neighbour store named vector_store[embedder_id] in spec.md §3.
//
// Grounded directly on the teacher's internal/store/hnsw.go: the same
// github.com/coder/hnsw graph, the same lazy-deletion discipline (an
// id is never physically removed from the graph; re-adding it mints a
// fresh internal key and orphans the old one, because coder/hnsw
// breaks when the last node is deleted), generalized from a
// string-keyed store to the uint32 document ids spec.md §3 uses.
package vectorindex

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/coder/hnsw"
)

// Result is one nearest-neighbour hit.
type Result struct {
	DocID    uint32
	Distance float32
	Score    float64
}

// Store is one embedder's vector index within one loam index.
type Store struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	docToKey map[uint32]uint64
	keyToDoc map[uint64]uint32
	nextKey  uint64
}

// New returns an empty store accepting vectors of the given
// dimensionality (spec.md §3 "vector_store[embedder_id]").
func New(dims int) *Store {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return &Store{
		graph:    g,
		dims:     dims,
		docToKey: make(map[uint32]uint64),
		keyToDoc: make(map[uint64]uint32),
	}
}

// Dimensions reports the configured vector width.
func (s *Store) Dimensions() int { return s.dims }

// Upsert inserts or replaces docID's vector (spec.md §4.F phase 8
// "insert prompt-derived embeddings ... at most one vector per
// docid"). A prior vector for docID is orphaned, not deleted.
func (s *Store) Upsert(docID uint32, vec []float32) error {
	if len(vec) != s.dims {
		return fmt.Errorf("vectorindex: expected %d dimensions, got %d", s.dims, len(vec))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.docToKey[docID]; ok {
		delete(s.keyToDoc, existing) // orphan: node stays in the graph, unreachable by docid
		delete(s.docToKey, docID)
	}

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalize(normalized)

	key := s.nextKey
	s.nextKey++
	s.graph.Add(hnsw.MakeNode(key, normalized))
	s.docToKey[docID] = key
	s.keyToDoc[key] = docID
	return nil
}

// Delete evicts docID (spec.md §4.F phase 8 "delete evicted items
// first"), via the same lazy-orphaning discipline as Upsert.
func (s *Store) Delete(docID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.docToKey[docID]; ok {
		delete(s.keyToDoc, key)
		delete(s.docToKey, docID)
	}
}

// Search returns the k nearest neighbours to query, skipping orphaned
// (lazily deleted) nodes.
func (s *Store) Search(query []float32, k int) ([]Result, error) {
	if len(query) != s.dims {
		return nil, fmt.Errorf("vectorindex: expected %d dimensions, got %d", s.dims, len(query))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.graph.Len() == 0 {
		return nil, nil
	}
	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalize(normalized)

	// Lazily deleted nodes still live in the graph, so over-fetch to
	// have enough live candidates left after filtering orphans.
	nodes := s.graph.Search(normalized, k+s.graph.Len()-len(s.keyToDoc))
	results := make([]Result, 0, k)
	for _, n := range nodes {
		docID, ok := s.keyToDoc[n.Key]
		if !ok {
			continue
		}
		dist := s.graph.Distance(normalized, n.Value)
		results = append(results, Result{DocID: docID, Distance: dist, Score: cosineScore(dist)})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Len returns the number of live (non-orphaned) vectors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docToKey)
}

// persisted is the on-disk shape of the id mappings; the graph itself
// is exported separately via hnsw.Graph.Export/Import.
type persisted struct {
	Dims     int
	DocToKey map[uint32]uint64
	NextKey  uint64
}

// Save writes the graph and id mappings to w, graph first then gob-encoded mappings.
func (s *Store) Save(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.graph.Export(w); err != nil {
		return fmt.Errorf("vectorindex: export graph: %w", err)
	}
	enc := gob.NewEncoder(w)
	return enc.Encode(persisted{Dims: s.dims, DocToKey: s.docToKey, NextKey: s.nextKey})
}

// Load reads a store previously written by Save.
func Load(r io.Reader) (*Store, error) {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	if err := g.Import(r); err != nil {
		return nil, fmt.Errorf("vectorindex: import graph: %w", err)
	}
	var p persisted
	if err := gob.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("vectorindex: decode mappings: %w", err)
	}
	s := &Store{graph: g, dims: p.Dims, docToKey: p.DocToKey, nextKey: p.NextKey, keyToDoc: make(map[uint64]uint32, len(p.DocToKey))}
	for doc, key := range p.DocToKey {
		s.keyToDoc[key] = doc
	}
	return s, nil
}

func normalize(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSquares))
	for i := range v {
		v[i] /= norm
	}
}

// cosineScore converts coder/hnsw's cosine distance (1 - cosine
// similarity) into a [0,1] similarity score.
func cosineScore(distance float32) float64 {
	score := 1 - float64(distance)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
