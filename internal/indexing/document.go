package indexing

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/motiflabs/loam/internal/errors"
	"github.com/motiflabs/loam/internal/indexstore"
	"github.com/motiflabs/loam/internal/store"
)

// rawDoc is one document as received: an arbitrary JSON object, decoded
// but not yet validated against the index's primary key.
type rawDoc map[string]any

// decodeNDJSON reads r as a stream of whole JSON objects (spec.md §3
// "content_uuid: ... payload of documents", one JSON value after
// another — json.Decoder tolerates both newline-delimited and
// concatenated-whole-array-elements framing).
func decodeNDJSON(r io.Reader) ([]rawDoc, error) {
	dec := json.NewDecoder(r)
	var docs []rawDoc
	for {
		var d rawDoc
		if err := dec.Decode(&d); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.UnprocessableEntity(errors.CodeMalformedDocument, "malformed document payload: "+err.Error())
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// primaryKeyValue reads pk from doc and renders it to its canonical
// string form (spec.md §3 "Document": "primary key value ... string or
// integer"). Missing or non-scalar values are a malformed document.
func primaryKeyValue(doc rawDoc, pk string) (string, error) {
	v, ok := doc[pk]
	if !ok {
		return "", errors.UnprocessableEntity(errors.CodeMalformedDocument,
			fmt.Sprintf("document is missing primary key %q", pk))
	}
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", errors.UnprocessableEntity(errors.CodeMalformedDocument, "primary key value must not be empty")
		}
		return x, nil
	case float64:
		if x != float64(int64(x)) {
			return "", errors.UnprocessableEntity(errors.CodeMalformedDocument, "primary key value must be an integer or a string")
		}
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", errors.UnprocessableEntity(errors.CodeMalformedDocument, "primary key value must be an integer or a string")
	}
}

// inferPrimaryKey applies spec.md §3's inference rule: the first
// document's field named exactly "id" (case-insensitively) if present,
// else the sole field whose name ends in "id"; ambiguity or absence is
// a malformed-document error the caller surfaces as the task's failure.
func inferPrimaryKey(doc rawDoc) (string, error) {
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if equalFold(name, "id") {
			return name, nil
		}
	}

	var candidates []string
	for _, name := range names {
		if len(name) > 2 && equalFold(name[len(name)-2:], "id") {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", errors.UnprocessableEntity(errors.CodeMalformedDocument,
			"could not infer a primary key: no field named id or ending in Id")
	default:
		return "", errors.UnprocessableEntity(errors.CodeMalformedDocument,
			fmt.Sprintf("could not infer a primary key: candidates %v are ambiguous", candidates))
	}
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// resolvePrimaryKey returns idx's primary key, inferring and persisting
// it from docs[0] on the index's first import (spec.md §4.F phase 1).
func resolvePrimaryKey(tx *store.RwTx, idx *indexstore.Index, docs []rawDoc) (string, error) {
	pk, err := idx.PrimaryKeyTx(tx)
	if err != nil {
		return "", err
	}
	if pk != "" {
		return pk, nil
	}
	if len(docs) == 0 {
		return "", errors.UnprocessableEntity(errors.CodeMalformedDocument, "cannot infer a primary key from an empty payload")
	}
	pk, err = inferPrimaryKey(docs[0])
	if err != nil {
		return "", err
	}
	if err := idx.SetPrimaryKey(tx, pk); err != nil {
		return "", err
	}
	return pk, nil
}

// flatten turns nested JSON objects into dot-path scalar/array leaves
// (spec.md §3 "attribute path", e.g. "author.name"), the way the
// reference engine's obkv-backed documents expose nested fields to the
// searchable/filterable/sortable attribute lists. Arrays of objects are
// not descended into: each element is kept as-is for facet/vector
// extraction to handle explicitly.
func flatten(doc rawDoc, prefix string, out map[string]any) {
	for k, v := range doc {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(nested, path, out)
			continue
		}
		out[path] = v
	}
}

func flattenDocument(doc rawDoc) map[string]any {
	out := make(map[string]any, len(doc))
	flatten(doc, "", out)
	return out
}
