package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ErrorIncludesCode(t *testing.T) {
	// Given: an invalid-request error
	e := InvalidRequest(CodeSemanticRatioOutOfBounds, "semanticRatio must be in [0,1]")

	// Then: its Error() string carries the code
	assert.Contains(t, e.Error(), CodeSemanticRatioOutOfBounds)
}

func TestError_IsMatchesSameCode(t *testing.T) {
	// Given: two independently constructed errors with the same code
	a := NotFound(CodeIndexNotFound, "index \"movies\" not found")
	b := NotFound(CodeIndexNotFound, "index \"books\" not found")

	// Then: errors.Is treats them as equal regardless of message
	assert.True(t, stderrors.Is(a, b))
}

func TestError_IsDoesNotMatchDifferentCode(t *testing.T) {
	a := NotFound(CodeIndexNotFound, "not found")
	b := NotFound(CodeTaskNotFound, "not found")
	assert.False(t, stderrors.Is(a, b))
}

func TestError_CategoryDrivesHTTPStatus(t *testing.T) {
	tests := []struct {
		category Category
		want     int
	}{
		{CategoryInvalidRequest, 400},
		{CategoryNotFound, 404},
		{CategoryConflict, 409},
		{CategoryPayloadTooLarge, 413},
		{CategoryUnprocessableEntity, 422},
		{CategoryEmbedError, 500},
		{CategoryStoreError, 500},
		{CategoryInternal, 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.category.HTTPStatus())
	}
}

func TestEmbedError_IsRetryableByDefault(t *testing.T) {
	// Given: an embedder failure
	e := EmbedError(CodeEmbedResponseDecode, "upstream returned malformed JSON", stderrors.New("eof"))

	// Then: it is marked retryable and wraps the cause
	assert.True(t, IsRetryable(e))
	assert.ErrorIs(t, e.Unwrap(), e.Cause)
}

func TestInternal_IsFatal(t *testing.T) {
	e := Internal("invariant violated: word missing from words_fst", nil)
	assert.True(t, IsFatal(e))
	assert.Equal(t, CategoryInternal, CategoryOf(e))
}

func TestWrap_NilErrorReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(CategoryStoreError, CodeStoreIO, nil))
}

func TestWithDetail_Chains(t *testing.T) {
	e := StoreError(CodeStoreCorruption, "checksum mismatch", nil).
		WithDetail("database", "word_docids").
		WithDetail("index_uid", "movies")

	assert.Equal(t, "word_docids", e.Details["database"])
	assert.Equal(t, "movies", e.Details["index_uid"])
}

func TestCode_ReturnsEmptyForPlainError(t *testing.T) {
	assert.Equal(t, "", Code(stderrors.New("plain")))
}
