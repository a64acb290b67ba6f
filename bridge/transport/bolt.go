package transport

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var markerBucket = []byte("__bridge_markers")

// BoltMedium stores each region as a bbolt bucket keyed by the bucket sequence, and markers
// as keys of a separate bucket. bbolt locks its file, so the producer and host share one
// BoltMedium value (or one process holds the file at a time).
type BoltMedium struct {
	db *bolt.DB
}

// OpenBoltMedium opens or creates a bbolt file.
func OpenBoltMedium(path string) (*BoltMedium, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	return NewBoltMedium(db), nil
}

// NewBoltMedium wraps an open database.
func NewBoltMedium(db *bolt.DB) *BoltMedium {
	return &BoltMedium{db: db}
}

// Push implements Medium.
func (b *BoltMedium) Push(ctx context.Context, region string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(region))
		if err != nil {
			return errors.Wrapf(err, "failed to create bucket %s", region)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
}

// Drain implements Medium.
func (b *BoltMedium) Drain(ctx context.Context, region string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var blobs [][]byte
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(region))
		if bucket == nil {
			return nil
		}
		var keys [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			// Values are only valid for the life of the transaction.
			blobs = append(blobs, append([]byte(nil), v...))
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to drain %s", region)
	}
	return blobs, nil
}

// Mark implements Medium.
func (b *BoltMedium) Mark(_ context.Context, name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(markerBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(name), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// Unmark implements Medium.
func (b *BoltMedium) Unmark(_ context.Context, name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(markerBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(name))
	})
}

// Marked implements Medium.
func (b *BoltMedium) Marked(_ context.Context, name string) (bool, error) {
	marked := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(markerBucket)
		marked = bucket != nil && bucket.Get([]byte(name)) != nil
		return nil
	})
	return marked, err
}

// Close implements Medium.
func (b *BoltMedium) Close() error {
	return b.db.Close()
}
