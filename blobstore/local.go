package blobstore

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketBlobs = []byte("blobs")

// Local is a content-addressed store kept in a Bolt file. It backs
// deployments without an IPFS node and is used by tests.
type Local struct {
	db *bolt.DB
}

// OpenLocal opens (or creates) the store at path.
func OpenLocal(path string) (*Local, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Local{db: db}, nil
}

// Close releases the Bolt handle.
func (s *Local) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores data under its CID. Re-uploading identical bytes is a no-op.
func (s *Local) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	address, err := Address(data)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		if bucket.Get([]byte(address)) != nil {
			return nil
		}
		return bucket.Put([]byte(address), data)
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: store %s: %w", address, err)
	}
	return address, nil
}

// Get returns the exact bytes stored under address.
func (s *Local) Get(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get([]byte(address))
		if raw == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, err
}
