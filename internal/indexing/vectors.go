package indexing

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/vectorindex"
)

// Embedder renders text into vectors for one named embedder
// configuration (spec.md §4.G). The indexing pipeline only needs the
// index-time half of the façade, EmbedIndex.
type Embedder interface {
	Dimensions() int
	EmbedIndex(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderFactory resolves a named embedder configuration to a live
// Embedder. Coordinator holds one; it is nil until SetEmbedders is
// called, and while it is nil every non-user-provided embedder is
// skipped rather than failing the batch, so documents with only
// user-provided vectors still index correctly.
type EmbedderFactory interface {
	Embedder(cfg indexstore.EmbedderConfig) (Embedder, error)
}

// vectorStoreDir is the per-index subdirectory holding one
// coder/hnsw-backed file per configured embedder.
func vectorStoreDir(idx *indexstore.Index) string {
	return filepath.Join(idx.Dir(), "vectors")
}

func vectorStorePath(idx *indexstore.Index, embedderName string) string {
	return filepath.Join(vectorStoreDir(idx), embedderName+".hnsw")
}

func loadOrCreateVectorStore(idx *indexstore.Index, embedderName string, dims int) (*vectorindex.Store, error) {
	path := vectorStorePath(idx, embedderName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return vectorindex.New(dims), nil
		}
		return nil, errors.StoreError(errors.CodeStoreIO, "open vector store "+embedderName, err)
	}
	defer f.Close()
	vs, err := vectorindex.Load(f)
	if err != nil {
		return nil, errors.StoreError(errors.CodeStoreCorruption, "load vector store "+embedderName, err)
	}
	return vs, nil
}

func saveVectorStore(idx *indexstore.Index, embedderName string, vs *vectorindex.Store) error {
	dir := vectorStoreDir(idx)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.StoreError(errors.CodeStoreIO, "create vector store dir", err)
	}
	path := vectorStorePath(idx, embedderName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.StoreError(errors.CodeStoreIO, "create vector store file", err)
	}
	if err := vs.Save(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.StoreError(errors.CodeStoreIO, "save vector store "+embedderName, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.StoreError(errors.CodeStoreIO, "close vector store file", err)
	}
	return os.Rename(tmp, path)
}

// documentVectors extracts the explicit `_vectors.<name>` payload a
// document may carry (spec.md §3 "Document._vectors"): either a flat
// array of floats (one vector) or `{"embeddings": [[...], ...]}` (one
// or more fragments, capped at maxVectorsPerDocument).
func documentVectors(fields map[string]any, embedderName string) ([][]float32, bool) {
	raw, ok := fields["_vectors"]
	if !ok {
		return nil, false
	}
	vectorsByName, ok := raw.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := vectorsByName[embedderName]
	if !ok {
		return nil, false
	}
	switch x := v.(type) {
	case []any:
		if vec, ok := toFloat32Vector(x); ok {
			return [][]float32{vec}, true
		}
		// Array of arrays: multiple fragments.
		var out [][]float32
		for _, e := range x {
			arr, ok := e.([]any)
			if !ok {
				return nil, false
			}
			vec, ok := toFloat32Vector(arr)
			if !ok {
				return nil, false
			}
			out = append(out, vec)
		}
		return out, true
	case map[string]any:
		embeddings, ok := x["embeddings"].([]any)
		if !ok {
			return nil, false
		}
		var out [][]float32
		for _, e := range embeddings {
			arr, ok := e.([]any)
			if !ok {
				return nil, false
			}
			vec, ok := toFloat32Vector(arr)
			if !ok {
				return nil, false
			}
			out = append(out, vec)
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat32Vector(raw []any) ([]float32, bool) {
	out := make([]float32, len(raw))
	for i, e := range raw {
		f, ok := e.(float64)
		if !ok {
			return nil, false
		}
		out[i] = float32(f)
	}
	return out, true
}

// resolveVectors returns the vectors to index for one document under
// one embedder configuration: the document's own `_vectors` entry if
// present, otherwise a template-rendered call through factory for any
// non-user-provided embedder. Returns (nil, nil) when there is nothing
// to index for this embedder on this document (not an error: vectors
// are optional per document).
func resolveVectors(ctx context.Context, cfg indexstore.EmbedderConfig, name string, fields map[string]any, factory EmbedderFactory) ([][]float32, error) {
	if vecs, ok := documentVectors(fields, name); ok {
		return vecs, nil
	}
	if cfg.Source == indexstore.EmbedderSourceUserProvided || factory == nil {
		return nil, nil
	}
	embedder, err := factory.Embedder(cfg)
	if err != nil {
		return nil, err
	}
	text := renderDocumentTemplate(cfg.DocumentTemplate, fields)
	if text == "" {
		return nil, nil
	}
	vecs, err := embedder.EmbedIndex(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

// renderDocumentTemplate is the minimal subset of spec.md §4.G's
// document-template rendering the indexing pipeline needs when no
// fragment templates are configured: `{{doc.field}}` placeholders
// substituted with that field's scalar text form.
func renderDocumentTemplate(tmpl string, fields map[string]any) string {
	if tmpl == "" {
		return ""
	}
	out := tmpl
	for name, v := range fields {
		s, ok := scalarString(v)
		if !ok {
			continue
		}
		out = strings.ReplaceAll(out, "{{doc."+name+"}}", s)
	}
	return out
}
