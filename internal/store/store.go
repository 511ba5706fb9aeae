// Package store provides the embedded, transactional, ordered key-value
// engine that every other package in loam builds on. It wraps
// go.etcd.io/bbolt behind a small typed-database abstraction so callers
// never see a raw *bolt.Tx: they open named Databases, which expose
// Codec-typed Get/Put/Range operations over a shared read or write
// transaction.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// MaxKeyLength is the maximum encoded key size accepted by Put. Keys
// longer than this are rejected rather than silently truncated; callers
// that might produce long keys (arbitrary word strings, facet values)
// must hash or truncate before calling Put.
const MaxKeyLength = 511

// ErrKeyTooLong is returned by Put when an encoded key exceeds MaxKeyLength.
var ErrKeyTooLong = errors.New("store: key exceeds maximum length")

// ErrPoisoned is returned by every operation on an Env after a commit
// failure. A poisoned environment cannot self-heal: the owning process
// must be restarted.
var ErrPoisoned = errors.New("store: environment poisoned by a prior commit failure")

// Env is one bbolt-backed environment: a single file on disk holding an
// arbitrary number of named databases. One Env corresponds to one
// index's on-disk directory, or to the scheduler's shared task-queue
// environment.
type Env struct {
	db      *bolt.DB
	path    string
	poisoned bool
}

// OpenEnv opens (creating if necessary) a bbolt environment at path.
// The parent directory is created if missing.
func OpenEnv(path string) (*Env, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create parent dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Env{db: db, path: path}, nil
}

// Path returns the environment's on-disk file path.
func (e *Env) Path() string { return e.path }

// Close closes the underlying bbolt file. It is safe to call multiple
// times.
func (e *Env) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Poisoned reports whether a previous commit failed, making the
// environment permanently unusable until restart.
func (e *Env) Poisoned() bool { return e.poisoned }

// RwTxn runs fn inside a single read-write transaction, giving fn
// exclusive mutation capability over every named database in the
// environment. The transaction commits if fn returns nil and aborts
// (rolling back all writes) otherwise. A commit failure poisons the
// environment: every subsequent call on this Env returns ErrPoisoned.
func (e *Env) RwTxn(fn func(tx *RwTx) error) error {
	if e.poisoned {
		return ErrPoisoned
	}
	err := e.db.Update(func(btx *bolt.Tx) error {
		return fn(&RwTx{btx: btx})
	})
	if err != nil && isCommitFailure(err) {
		e.poisoned = true
	}
	return err
}

// RoTxn opens a read-only snapshot valid until fn returns. Multiple
// RoTxn calls may run concurrently with each other and with a single
// in-flight RwTxn; bbolt's MVAP model gives each its own consistent
// view of the data as of the moment it opened.
func (e *Env) RoTxn(fn func(tx *RoTx) error) error {
	if e.poisoned {
		return ErrPoisoned
	}
	return e.db.View(func(btx *bolt.Tx) error {
		return fn(&RoTx{btx: btx})
	})
}

// isCommitFailure approximates whether err originated from the commit
// step itself (disk I/O, a closed/corrupt database) as opposed to fn
// returning a plain business-logic error, which must not poison the
// environment.
func isCommitFailure(err error) bool {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTxClosed) {
		return true
	}
	var perr *os.PathError
	return errors.As(err, &perr)
}

// Tx is satisfied by both RoTx and RwTx: anything that can open a
// named Database for reading. Callers that only need to read — e.g.
// the scheduler selecting a batch from inside its own RwTxn — can
// accept a Tx instead of committing to one or the other.
type Tx interface {
	Database(name string, codec Codec) (*Database, error)
}

// RoTx is a read-only transaction over an Env.
type RoTx struct {
	btx *bolt.Tx
}

// Database opens a named Database for reading within this transaction.
// Returns ErrNoSuchDatabase if the bucket was never created.
func (t *RoTx) Database(name string, codec Codec) (*Database, error) {
	b := t.btx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDatabase, name)
	}
	return &Database{bucket: b, codec: codec, name: name}, nil
}

// RwTx is a read-write transaction over an Env.
type RwTx struct {
	btx *bolt.Tx
}

// Database opens (creating if necessary) a named Database for reading
// and writing within this transaction.
func (t *RwTx) Database(name string, codec Codec) (*Database, error) {
	b, err := t.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("store: create database %s: %w", name, err)
	}
	return &Database{bucket: b, codec: codec, name: name, writable: true}, nil
}

// DropDatabase removes a named database and everything in it.
func (t *RwTx) DropDatabase(name string) error {
	err := t.btx.DeleteBucket([]byte(name))
	if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return fmt.Errorf("store: drop database %s: %w", name, err)
	}
	return nil
}

// ErrNoSuchDatabase is returned by RoTx.Database when the named bucket
// has never been created.
var ErrNoSuchDatabase = errors.New("store: no such database")
