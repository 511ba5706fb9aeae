package indexstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiflabs/loam/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "indexes"))
}

func TestManager_CreateThenOpenReturnsSameEnvironment(t *testing.T) {
	m := newTestManager(t)
	t.Cleanup(func() { _ = m.CloseAll() })

	idx, err := m.Create("movies")
	require.NoError(t, err)

	again, err := m.Open("movies")
	require.NoError(t, err)
	assert.Same(t, idx, again)
}

func TestManager_CreateTwiceIsConflict(t *testing.T) {
	m := newTestManager(t)
	t.Cleanup(func() { _ = m.CloseAll() })

	_, err := m.Create("movies")
	require.NoError(t, err)

	_, err = m.Create("movies")
	assert.ErrorContains(t, err, "already exists")
}

func TestManager_OpenUnknownUIDIsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Open("ghost")
	assert.ErrorContains(t, err, "not found")
}

func TestManager_DeleteRemovesDirectoryAndClosesEnv(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("movies")
	require.NoError(t, err)

	require.NoError(t, m.Delete("movies"))

	_, err = m.Open("movies")
	assert.ErrorContains(t, err, "not found")
}

func TestManager_SwapExchangesUnderlyingData(t *testing.T) {
	m := newTestManager(t)
	t.Cleanup(func() { _ = m.CloseAll() })

	a, err := m.Create("movies")
	require.NoError(t, err)
	b, err := m.Create("movies-new")
	require.NoError(t, err)

	require.NoError(t, a.env.RwTxn(func(tx *store.RwTx) error {
		return a.PutDocumentsIDs(tx, store.PostingsFromIDs(1, 2))
	}))
	require.NoError(t, b.env.RwTxn(func(tx *store.RwTx) error {
		return b.PutDocumentsIDs(tx, store.PostingsFromIDs(1, 2, 3, 4, 5))
	}))

	require.NoError(t, m.Swap("movies", "movies-new"))

	movies, err := m.Open("movies")
	require.NoError(t, err)
	n, err := movies.NumberOfDocuments()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	moviesNew, err := m.Open("movies-new")
	require.NoError(t, err)
	n, err = moviesNew.NumberOfDocuments()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestManager_ListReturnsEveryIndexDirectory(t *testing.T) {
	m := newTestManager(t)
	t.Cleanup(func() { _ = m.CloseAll() })

	_, err := m.Create("movies")
	require.NoError(t, err)
	_, err = m.Create("books")
	require.NoError(t, err)

	uids, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"movies", "books"}, uids)
}

func TestManager_ListOnMissingRootIsEmptyNotError(t *testing.T) {
	m := newTestManager(t)
	uids, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, uids)
}
