// Package store provides the on-disk keyed byte store the core consumes
// (spec §6: "a pluggable byte store keyed by H256"). It is backed by
// go.etcd.io/bbolt, grounded on the teacher's node/store/db.go bucket
// layout, generalized from UTXO/header buckets to the block- and
// symbol-shaped buckets Optchain needs.
package store

import (
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names. One bucket per chain kind (S availability buckets are
// named dynamically, blocks_avai_<shard>), plus one for the symbol pool.
var (
	BucketProposer = []byte("blocks_proposer")
	BucketOrdering = []byte("blocks_ordering")
	BucketSymbols  = []byte("symbols")
)

func BucketAvailability(shardID uint32) []byte {
	return []byte(fmt.Sprintf("blocks_avai_%d", shardID))
}

// DB wraps a bbolt database as a generic keyed byte store: get, put,
// delete, contains, iterate, and count, one bucket per logical namespace.
type DB struct {
	dir string
	db  *bolt.DB
}

// Open opens (creating if absent) the keyed store rooted at datadir, and
// ensures the fixed set of buckets plus one availability bucket per shard
// (shardCount of them) exist.
func Open(datadir string, shardCount uint32) (*DB, error) {
	if datadir == "" {
		return nil, fmt.Errorf("store: datadir required")
	}
	dir := DataDir(datadir)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "optchain.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	d := &DB{dir: dir, db: bdb}

	buckets := [][]byte{BucketProposer, BucketOrdering, BucketSymbols}
	for s := uint32(0); s < shardCount; s++ {
		buckets = append(buckets, BucketAvailability(s))
	}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Put stores value under key in the named bucket.
func (d *DB) Put(bucket []byte, key [32]byte, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("store: unknown bucket %s", string(bucket))
		}
		return b.Put(key[:], value)
	})
}

// Get returns the value stored under key, or ok=false if absent.
func (d *DB) Get(bucket []byte, key [32]byte) (value []byte, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("store: unknown bucket %s", string(bucket))
		}
		v := b.Get(key[:])
		if v == nil {
			return nil
		}
		value = append([]byte(nil), v...)
		ok = true
		return nil
	})
	return value, ok, err
}

func (d *DB) Contains(bucket []byte, key [32]byte) (bool, error) {
	_, ok, err := d.Get(bucket, key)
	return ok, err
}

func (d *DB) Remove(bucket []byte, key [32]byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("store: unknown bucket %s", string(bucket))
		}
		return b.Delete(key[:])
	})
}

// Iter calls fn for every (key, value) pair in the named bucket. It stops
// early if fn returns false.
func (d *DB) Iter(bucket []byte, fn func(key [32]byte, value []byte) bool) error {
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("store: unknown bucket %s", string(bucket))
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 32 {
				return nil
			}
			var key [32]byte
			copy(key[:], k)
			if !fn(key, v) {
				return errStopIteration
			}
			return nil
		})
	})
	if err == errStopIteration {
		return nil
	}
	return err
}

var errStopIteration = fmt.Errorf("store: stop iteration")

func (d *DB) Len(bucket []byte) (int, error) {
	n := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("store: unknown bucket %s", string(bucket))
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
