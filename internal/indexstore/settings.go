package indexstore

import (
	"github.com/motiflabs/loam/internal/errors"
)

// RankingRule is one of the seven canonical ranking rules, or a
// custom ascending/descending sort on a named field (spec.md §3).
type RankingRule struct {
	// Kind is one of "words", "typo", "proximity", "attribute",
	// "exactness", "sort", "asc", "desc". "asc"/"desc" require Field.
	Kind  string
	Field string
}

var canonicalRuleKinds = map[string]bool{
	"words": true, "typo": true, "proximity": true,
	"attribute": true, "exactness": true, "sort": true,
}

// DefaultRankingRules is the order applied to a newly created index
// with no explicit ranking rules configured.
func DefaultRankingRules() []RankingRule {
	return []RankingRule{
		{Kind: "words"}, {Kind: "typo"}, {Kind: "proximity"},
		{Kind: "attribute"}, {Kind: "exactness"},
	}
}

// TypoTolerance configures the typo budget (spec.md §3).
type TypoTolerance struct {
	Enabled             bool
	MinWordSizeForTypo1 int
	MinWordSizeForTypo2 int
	DisableOnWords      []string
	DisableOnAttributes []string
}

// DefaultTypoTolerance matches the reference engine's defaults.
func DefaultTypoTolerance() TypoTolerance {
	return TypoTolerance{Enabled: true, MinWordSizeForTypo1: 5, MinWordSizeForTypo2: 9}
}

// Pagination bounds the total number of hits a query may return.
type Pagination struct {
	MaxTotalHits int
}

// Faceting bounds how many distinct values are returned per facet.
type Faceting struct {
	MaxValuesPerFacet int
}

// EmbedderSource distinguishes the three embedder façade variants
// spec.md §4.G names.
type EmbedderSource string

const (
	EmbedderSourceUserProvided EmbedderSource = "userProvided"
	EmbedderSourceHuggingFace  EmbedderSource = "huggingFace"
	EmbedderSourceREST         EmbedderSource = "rest"
)

// DistributionShift renormalizes an embedder's raw similarity scores
// (spec.md §4.K "distribution shift").
type DistributionShift struct {
	Mean  float64
	Sigma float64
}

// EmbedderConfig is one named entry of Settings.Embedders.
type EmbedderConfig struct {
	Source            EmbedderSource
	Model             string
	Revision          string
	URL               string
	APIKey            string
	Dimensions        int
	DistributionShift *DistributionShift

	// DocumentTemplate renders a document into embeddable text when no
	// indexingFragments are configured.
	DocumentTemplate string

	// IndexingFragments/SearchFragments map a fragment name to a Go
	// template string rendered against a document or a search query.
	IndexingFragments map[string]string
	SearchFragments    map[string]string

	// Request/Response are the REST variant's templated JSON bodies.
	Request  map[string]any
	Response map[string]any
}

// Settings is the full per-index configuration from spec.md §3.
type Settings struct {
	SearchableAttributes []string
	DisplayedAttributes  []string
	FilterableAttributes []string
	SortableAttributes   []string
	RankingRules         []RankingRule
	StopWords            []string
	Synonyms             map[string][]string
	DistinctAttribute    *string
	TypoTolerance        TypoTolerance
	Pagination           Pagination
	Faceting             Faceting
	Embedders            map[string]EmbedderConfig
}

// DefaultSettings is applied to a newly created index before any
// SettingsUpdate task runs.
func DefaultSettings() Settings {
	return Settings{
		RankingRules:  DefaultRankingRules(),
		TypoTolerance: DefaultTypoTolerance(),
		Pagination:    Pagination{MaxTotalHits: 1000},
		Faceting:      Faceting{MaxValuesPerFacet: 100},
		Synonyms:      map[string][]string{},
		Embedders:     map[string]EmbedderConfig{},
	}
}

// Check validates s, matching spec.md §3's "settings are checked
// before being applied" and the ranking-rule invariants ("contain no
// duplicates; at least one of the listed canonical rules is present
// unless overridden by settings reset").
func (s Settings) Check() error {
	seen := make(map[RankingRule]bool, len(s.RankingRules))
	hasCanonical := false
	for _, r := range s.RankingRules {
		if seen[r] {
			return errors.InvalidRequest(errors.CodeInvalidRankingRule, "duplicate ranking rule: "+r.Kind)
		}
		seen[r] = true
		switch r.Kind {
		case "asc", "desc":
			if r.Field == "" {
				return errors.InvalidRequest(errors.CodeInvalidRankingRule, "custom ranking rule requires a field")
			}
		default:
			if !canonicalRuleKinds[r.Kind] {
				return errors.InvalidRequest(errors.CodeInvalidRankingRule, "unknown ranking rule: "+r.Kind)
			}
			hasCanonical = true
		}
	}
	if len(s.RankingRules) > 0 && !hasCanonical {
		return errors.InvalidRequest(errors.CodeInvalidRankingRule, "ranking rules must include at least one canonical rule")
	}
	for name, emb := range s.Embedders {
		if err := emb.check(name); err != nil {
			return err
		}
	}
	return nil
}

func (e EmbedderConfig) check(name string) error {
	switch e.Source {
	case EmbedderSourceUserProvided:
		if e.Dimensions <= 0 {
			return errors.InvalidRequest(errors.CodeVectorDimensionMismatch, "embedder "+name+": dimensions must be set for a user-provided embedder")
		}
	case EmbedderSourceHuggingFace:
		if e.Model == "" {
			return errors.InvalidRequest(errors.CodeEmbedTemplateMismatch, "embedder "+name+": model is required")
		}
	case EmbedderSourceREST:
		if e.URL == "" {
			return errors.InvalidRequest(errors.CodeEmbedTemplateMismatch, "embedder "+name+": url is required")
		}
		hasFragments := len(e.IndexingFragments) > 0 || len(e.SearchFragments) > 0
		if !hasFragments && e.Request == nil {
			return errors.InvalidRequest(errors.CodeEmbedTemplateMismatch, "embedder "+name+": requires either a request template or fragments")
		}
	default:
		return errors.InvalidRequest(errors.CodeEmbedTemplateMismatch, "embedder "+name+": unknown source")
	}
	return nil
}

// ReindexAffecting reports whether changing from old to new requires
// a full re-index rather than an additive update (spec.md §4.F
// "Ordering guarantees": searchable attributes, stop words, synonyms,
// filterable attributes, ranking rules, embedders).
func (s Settings) ReindexAffecting(old Settings) bool {
	if !equalStrings(s.SearchableAttributes, old.SearchableAttributes) {
		return true
	}
	if !equalStrings(s.StopWords, old.StopWords) {
		return true
	}
	if !equalStrings(s.FilterableAttributes, old.FilterableAttributes) {
		return true
	}
	if len(s.Synonyms) != len(old.Synonyms) {
		return true
	}
	for phrase, expansions := range s.Synonyms {
		if !equalStrings(expansions, old.Synonyms[phrase]) {
			return true
		}
	}
	if len(s.RankingRules) != len(old.RankingRules) {
		return true
	}
	for i, r := range s.RankingRules {
		if r != old.RankingRules[i] {
			return true
		}
	}
	if len(s.Embedders) != len(old.Embedders) {
		return true
	}
	for name, e := range s.Embedders {
		oe, ok := old.Embedders[name]
		if !ok || e.Source != oe.Source || e.Model != oe.Model || e.Dimensions != oe.Dimensions {
			return true
		}
	}
	return false
}

// AddsSearchableFieldOnly reports whether s only appends new entries
// to SearchableAttributes relative to old, with no other
// reindex-affecting change — the one case spec.md §4.F's additional-
// searchables merge path is built for.
func (s Settings) AddsSearchableFieldOnly(old Settings) bool {
	if len(s.SearchableAttributes) <= len(old.SearchableAttributes) {
		return false
	}
	for i, f := range old.SearchableAttributes {
		if s.SearchableAttributes[i] != f {
			return false
		}
	}
	rest := old
	rest.SearchableAttributes = s.SearchableAttributes
	return !s.ReindexAffecting(rest)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
