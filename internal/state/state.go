// Package state persists the upload queue and the cached OCR quota in a
// bbolt database. Every mutation commits before returning, so a crash at
// any point leaves entries in a state the worker can pick up again.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// maxQuotaPercent bounds the cached OCR quota.
	maxQuotaPercent = 100
)

var (
	appBucket     = []byte("app")
	uploadsBucket = []byte("uploads")
	quotaKey      = []byte("ocr_remaining_percent")
	baseURLKey    = []byte("backend_base_url")
)

// Store wraps a bbolt database holding the upload queue.
type Store struct {
	db  *bolt.DB
	hub *summaryHub
	now func() time.Time
}

// LoadAt opens the queue database at the given path, creating it and
// its buckets if they do not exist.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(uploadsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &Store{db: db, hub: newSummaryHub(), now: time.Now}

	err = db.View(func(tx *bolt.Tx) error {
		sum, err := summarize(tx.Bucket(uploadsBucket))
		if err != nil {
			return err
		}

		s.hub.publish(uint64(tx.ID()), sum)

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reading initial summary: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Quota returns the cached OCR quota percentage. ok is false when the
// backend has never reported one.
func (s *Store) Quota() (percent int, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(quotaKey)
		if v == nil {
			return nil
		}

		n, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("decoding quota: %w", err)
		}

		percent, ok = n, true

		return nil
	})

	return percent, ok, err
}

// SetQuota stores the OCR quota percentage clamped to 0..100 and
// returns the stored value.
func (s *Store) SetQuota(percent int) (int, error) {
	percent = ClampPercent(percent)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(quotaKey, []byte(strconv.Itoa(percent)))
	})
	if err != nil {
		return 0, fmt.Errorf("saving quota: %w", err)
	}

	return percent, nil
}

// BaseURLOverride returns the backend base URL set at runtime, if any.
func (s *Store) BaseURLOverride() (raw string, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(baseURLKey); v != nil {
			raw, ok = string(v), true
		}

		return nil
	})

	return raw, ok, err
}

// SetBaseURLOverride stores a backend base URL that replaces the
// configured one. An empty value removes the override.
func (s *Store) SetBaseURLOverride(raw string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if raw == "" {
			return b.Delete(baseURLKey)
		}

		return b.Put(baseURLKey, []byte(raw))
	})
	if err != nil {
		return fmt.Errorf("saving base URL: %w", err)
	}

	return nil
}

// ClampPercent bounds a server-reported percentage to 0..100.
func ClampPercent(p int) int {
	return max(0, min(p, maxQuotaPercent))
}

func getEntry(b *bolt.Bucket, key []byte) (*Entry, error) {
	data := b.Get(key)
	if data == nil {
		return nil, nil
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", key, err)
	}

	return &e, nil
}

func putEntry(b *bolt.Bucket, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", e.Key, err)
	}

	return b.Put([]byte(e.Key), data)
}

// forEachEntry decodes every entry in key order.
func forEachEntry(b *bolt.Bucket, fn func(e *Entry) error) error {
	return b.ForEach(func(k, v []byte) error {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decoding entry %s: %w", k, err)
		}

		return fn(&e)
	})
}

// update runs fn in a write transaction and, once it has committed,
// publishes the resulting queue summary to observers.
func (s *Store) update(fn func(b *bolt.Bucket) error) error {
	var (
		sum Summary
		seq uint64
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(uploadsBucket)
		if err := fn(b); err != nil {
			return err
		}

		var err error

		sum, err = summarize(b)
		seq = uint64(tx.ID())

		return err
	})
	if err != nil {
		return err
	}

	s.hub.publish(seq, sum)

	return nil
}

func (s *Store) view(fn func(b *bolt.Bucket) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(uploadsBucket))
	})
}
