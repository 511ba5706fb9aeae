package store

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Database is a typed view over one bbolt bucket, scoped to the
// transaction that produced it. It must not outlive that transaction.
type Database struct {
	bucket   *bolt.Bucket
	codec    Codec
	name     string
	writable bool
}

// Name returns the database's name.
func (d *Database) Name() string { return d.name }

// Get returns the raw value stored at key, or nil if absent. The
// returned slice is only valid for the lifetime of the transaction.
func (d *Database) Get(key []byte) []byte {
	return d.bucket.Get(key)
}

// Put stores value at key. Returns ErrKeyTooLong if key exceeds
// MaxKeyLength, per spec.md §4.A's key-length guard.
func (d *Database) Put(key, value []byte) error {
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %d bytes (max %d) in database %s", ErrKeyTooLong, len(key), MaxKeyLength, d.name)
	}
	if !d.writable {
		return fmt.Errorf("store: database %s opened read-only", d.name)
	}
	if err := d.bucket.Put(key, value); err != nil {
		return fmt.Errorf("store: put into %s: %w", d.name, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error.
func (d *Database) Delete(key []byte) error {
	if !d.writable {
		return fmt.Errorf("store: database %s opened read-only", d.name)
	}
	if err := d.bucket.Delete(key); err != nil {
		return fmt.Errorf("store: delete from %s: %w", d.name, err)
	}
	return nil
}

// Entry is one key/value pair yielded by a range scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Range iterates keys in [start, end) in lexicographic order, calling
// fn for each entry. A nil end means "no upper bound". Iteration stops
// early, without error, if fn returns false.
func (d *Database) Range(start, end []byte, fn func(Entry) bool) {
	c := d.bucket.Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		if !fn(Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
			break
		}
	}
}

// RangePrefix iterates every key sharing prefix, in lexicographic
// order.
func (d *Database) RangePrefix(prefix []byte, fn func(Entry) bool) {
	start, end := PrefixRange(prefix)
	d.Range(start, end, fn)
}

// ForEach iterates the entire database in key order.
func (d *Database) ForEach(fn func(Entry) bool) {
	d.Range(nil, nil, fn)
}

// Stats reports the number of entries currently in the database.
func (d *Database) Stats() int {
	return d.bucket.Stats().KeyN
}
