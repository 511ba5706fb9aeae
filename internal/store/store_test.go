package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnv_PutGetAcrossTxns(t *testing.T) {
	// Given: a fresh environment
	env, err := OpenEnv(filepath.Join(t.TempDir(), "env.bbolt"))
	require.NoError(t, err)
	defer env.Close()

	// When: a value is written in one rw transaction
	err = env.RwTxn(func(tx *RwTx) error {
		db, err := tx.Database("words", BytesCodec{})
		require.NoError(t, err)
		return db.Put([]byte("hello"), []byte("42"))
	})
	require.NoError(t, err)

	// Then: it is visible from a subsequent ro transaction
	err = env.RoTxn(func(tx *RoTx) error {
		db, err := tx.Database("words", BytesCodec{})
		require.NoError(t, err)
		assert.Equal(t, []byte("42"), db.Get([]byte("hello")))
		return nil
	})
	require.NoError(t, err)
}

func TestEnv_RwTxnAbortsOnError(t *testing.T) {
	// Given: an environment with an existing key
	env, err := OpenEnv(filepath.Join(t.TempDir(), "env.bbolt"))
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.RwTxn(func(tx *RwTx) error {
		db, err := tx.Database("words", BytesCodec{})
		require.NoError(t, err)
		return db.Put([]byte("a"), []byte("1"))
	}))

	// When: a transaction writes then returns an error
	err = env.RwTxn(func(tx *RwTx) error {
		db, err := tx.Database("words", BytesCodec{})
		require.NoError(t, err)
		require.NoError(t, db.Put([]byte("a"), []byte("2")))
		return assert.AnError
	})
	assert.Error(t, err)

	// Then: the write was rolled back
	require.NoError(t, env.RoTxn(func(tx *RoTx) error {
		db, err := tx.Database("words", BytesCodec{})
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), db.Get([]byte("a")))
		return nil
	}))
}

func TestDatabase_RangePrefix(t *testing.T) {
	// Given: a database with several keys sharing a prefix
	env, err := OpenEnv(filepath.Join(t.TempDir(), "env.bbolt"))
	require.NoError(t, err)
	defer env.Close()

	require.NoError(t, env.RwTxn(func(tx *RwTx) error {
		db, err := tx.Database("facets", BytesCodec{})
		require.NoError(t, err)
		for _, k := range []string{"age:1", "age:2", "age:3", "color:red"} {
			if err := db.Put([]byte(k), []byte("x")); err != nil {
				return err
			}
		}
		return nil
	}))

	// When: scanning the "age:" prefix
	var keys []string
	require.NoError(t, env.RoTxn(func(tx *RoTx) error {
		db, err := tx.Database("facets", BytesCodec{})
		require.NoError(t, err)
		db.RangePrefix([]byte("age:"), func(e Entry) bool {
			keys = append(keys, string(e.Key))
			return true
		})
		return nil
	}))

	// Then: only age keys are returned, in lexicographic order
	assert.Equal(t, []string{"age:1", "age:2", "age:3"}, keys)
}

func TestDatabase_PutRejectsOversizedKey(t *testing.T) {
	// Given: a writable database
	env, err := OpenEnv(filepath.Join(t.TempDir(), "env.bbolt"))
	require.NoError(t, err)
	defer env.Close()

	oversized := make([]byte, MaxKeyLength+1)

	// When/Then: putting a key over the length limit is rejected
	err = env.RwTxn(func(tx *RwTx) error {
		db, err := tx.Database("words", BytesCodec{})
		require.NoError(t, err)
		return db.Put(oversized, []byte("v"))
	})
	assert.ErrorIs(t, err, ErrKeyTooLong)
}
