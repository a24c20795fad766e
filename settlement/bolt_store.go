package settlement

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketHistory    = []byte("history")
	bucketRetries    = []byte("retries")
	bucketPartitions = []byte("partitions")
)

// BoltStore keeps settlement state in a single bbolt file. History lives in a
// nested bucket per tenant keyed by the bucket sequence.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (and migrates) the store at path.
func OpenBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open settlement store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHistory, bucketRetries, bucketPartitions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Commit applies the history append, partition marker and retry mutation in
// one Bolt transaction.
func (s *BoltStore) Commit(_ context.Context, c Commit) error {
	if err := validateCommit(c); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		id := []byte(c.Key.RetryID())
		if c.Record != nil {
			tenantBucket, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists([]byte(c.Key.Tenant))
			if err != nil {
				return err
			}
			seq, err := tenantBucket.NextSequence()
			if err != nil {
				return err
			}
			encoded, err := json.Marshal(c.Record)
			if err != nil {
				return err
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], seq)
			if err := tenantBucket.Put(key[:], encoded); err != nil {
				return err
			}
		}
		if c.Recorded {
			stamp, err := time.Now().UTC().MarshalText()
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketPartitions).Put(id, stamp); err != nil {
				return err
			}
		}
		retries := tx.Bucket(bucketRetries)
		switch {
		case c.Retry != nil:
			encoded, err := json.Marshal(c.Retry)
			if err != nil {
				return err
			}
			return retries.Put(id, encoded)
		case c.ClearRetry:
			return retries.Delete(id)
		}
		return nil
	})
}

// Recorded reports whether the partition marker exists.
func (s *BoltStore) Recorded(_ context.Context, key PartitionKey) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketPartitions).Get([]byte(key.RetryID())) != nil
		return nil
	})
	return found, err
}

// History returns the tenant's records in append order.
func (s *BoltStore) History(_ context.Context, tenant string, limit int) ([]BatchRecord, error) {
	records := []BatchRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		tenantBucket := tx.Bucket(bucketHistory).Bucket([]byte(tenant))
		if tenantBucket == nil {
			return nil
		}
		return tenantBucket.ForEach(func(_, value []byte) error {
			var rec BatchRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", tenant, err)
	}
	return tail(records, limit), nil
}

// Retries lists retry items ordered by their next attempt.
func (s *BoltStore) Retries(_ context.Context) ([]RetryItem, error) {
	var items []RetryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetries).ForEach(func(_, value []byte) error {
			var item RetryItem
			if err := json.Unmarshal(value, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load retries: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].NextAttempt.Before(items[j].NextAttempt) })
	return items, nil
}

// Retry loads one retry item.
func (s *BoltStore) Retry(_ context.Context, id string) (RetryItem, error) {
	var item RetryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRetries).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &item)
	})
	if errors.Is(err, ErrNotFound) {
		return RetryItem{}, ErrNotFound
	}
	return item, err
}
