package errors

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatJSON_RoundTripsTaskErrorShape(t *testing.T) {
	// Given: an error as it would be attached to a failed task
	e := UnprocessableEntity(CodePrimaryKeyConflict, "document id \"1\" already exists")

	// When: formatted as JSON
	raw, err := FormatJSON(e)
	require.NoError(t, err)

	var je jsonError
	require.NoError(t, json.Unmarshal(raw, &je))

	// Then: it matches the task record's error.code/type/message/link fields
	assert.Equal(t, CodePrimaryKeyConflict, je.Code)
	assert.Equal(t, string(CategoryUnprocessableEntity), je.Type)
	assert.Equal(t, e.Message, je.Message)
	assert.NotEmpty(t, je.Link)
}

func TestFormatJSON_WrapsPlainErrors(t *testing.T) {
	raw, err := FormatJSON(assertAnError())
	require.NoError(t, err)

	var je jsonError
	require.NoError(t, json.Unmarshal(raw, &je))
	assert.Equal(t, CodeInternal, je.Code)
}

func TestFormatForLog_IncludesDetails(t *testing.T) {
	e := StoreError(CodeStoreIO, "write failed", nil).WithDetail("path", "/data/indexes/a")

	attrs := FormatForLog(e)

	assert.Equal(t, CodeStoreIO, attrs["error_code"])
	assert.Equal(t, "/data/indexes/a", attrs["detail_path"])
}

func assertAnError() error {
	return &notAnError{}
}

type notAnError struct{}

func (*notAnError) Error() string { return "boom" }
