package indexstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_CheckRejectsDuplicateRankingRules(t *testing.T) {
	s := DefaultSettings()
	s.RankingRules = []RankingRule{{Kind: "words"}, {Kind: "words"}}

	err := s.Check()
	assert.ErrorContains(t, err, "duplicate ranking rule")
}

func TestSettings_CheckRejectsCustomRuleWithoutField(t *testing.T) {
	s := DefaultSettings()
	s.RankingRules = []RankingRule{{Kind: "asc"}}

	err := s.Check()
	assert.ErrorContains(t, err, "requires a field")
}

func TestSettings_CheckRequiresAtLeastOneCanonicalRule(t *testing.T) {
	s := DefaultSettings()
	s.RankingRules = []RankingRule{{Kind: "asc", Field: "price"}, {Kind: "desc", Field: "rating"}}

	err := s.Check()
	assert.ErrorContains(t, err, "at least one canonical rule")
}

func TestSettings_CheckAcceptsDefaults(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Check())
}

func TestSettings_CheckUserProvidedEmbedderRequiresDimensions(t *testing.T) {
	s := DefaultSettings()
	s.Embedders = map[string]EmbedderConfig{
		"default": {Source: EmbedderSourceUserProvided},
	}
	err := s.Check()
	assert.ErrorContains(t, err, "dimensions must be set")
}

func TestSettings_CheckRESTEmbedderRequiresURLAndPayloadShape(t *testing.T) {
	s := DefaultSettings()
	s.Embedders = map[string]EmbedderConfig{
		"default": {Source: EmbedderSourceREST},
	}
	assert.ErrorContains(t, s.Check(), "url is required")

	s.Embedders["default"] = EmbedderConfig{Source: EmbedderSourceREST, URL: "https://embed.example/v1"}
	assert.ErrorContains(t, s.Check(), "requires either a request template or fragments")

	s.Embedders["default"] = EmbedderConfig{
		Source:  EmbedderSourceREST,
		URL:     "https://embed.example/v1",
		Request: map[string]any{"input": "{{text}}"},
	}
	assert.NoError(t, s.Check())
}

func TestSettings_ReindexAffectingDetectsSearchableAttributeChange(t *testing.T) {
	old := DefaultSettings()
	old.SearchableAttributes = []string{"title"}
	next := old
	next.SearchableAttributes = []string{"title", "body"}

	assert.True(t, next.ReindexAffecting(old))
}

func TestSettings_ReindexAffectingFalseWhenNothingReindexRelatedChanged(t *testing.T) {
	old := DefaultSettings()
	old.SearchableAttributes = []string{"title"}
	next := old
	next.DisplayedAttributes = []string{"title", "price"}

	assert.False(t, next.ReindexAffecting(old))
}

func TestSettings_AddsSearchableFieldOnly(t *testing.T) {
	old := DefaultSettings()
	old.SearchableAttributes = []string{"title"}
	next := old
	next.SearchableAttributes = []string{"title", "body"}

	assert.True(t, next.AddsSearchableFieldOnly(old))
}

func TestSettings_AddsSearchableFieldOnlyFalseWhenRankingRulesAlsoChange(t *testing.T) {
	old := DefaultSettings()
	old.SearchableAttributes = []string{"title"}
	next := old
	next.SearchableAttributes = []string{"title", "body"}
	next.RankingRules = []RankingRule{{Kind: "typo"}, {Kind: "words"}}

	assert.False(t, next.AddsSearchableFieldOnly(old))
}

func TestSettings_AddsSearchableFieldOnlyFalseWhenFieldsReordered(t *testing.T) {
	old := DefaultSettings()
	old.SearchableAttributes = []string{"title", "body"}
	next := old
	next.SearchableAttributes = []string{"body", "title", "tags"}

	assert.False(t, next.AddsSearchableFieldOnly(old))
}
