package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltdb/bolt"
)

const boltBucket = "tidesync"

// BoltDevice provides a BoltDB-backed device. Bolt holds an exclusive file
// lock, so only one process at a time can own the cache and queue.
type BoltDevice struct {
	db *bolt.DB
}

// OpenBoltDevice opens a BoltDB-backed device at the provided path
func OpenBoltDevice(path string) (*BoltDevice, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := bolt.Open(cleanPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	device := &BoltDevice{db: db}
	if err := device.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return device, nil
}

func (d *BoltDevice) ensureBucket() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(boltBucket)); err != nil {
			return fmt.Errorf("create %s bucket: %w", boltBucket, err)
		}
		return nil
	})
}

func (d *BoltDevice) GetString(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if d == nil || d.db == nil {
		return "", false, ErrClosed
	}

	var (
		value string
		found bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", boltBucket)
		}
		payload := bucket.Get([]byte(key))
		if payload == nil {
			return nil
		}
		// payload is only valid inside the transaction
		value, found = string(payload), true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func (d *BoltDevice) SetString(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d == nil || d.db == nil {
		return ErrClosed
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", boltBucket)
		}
		return bucket.Put([]byte(key), []byte(value))
	})
}

// Update runs fn inside one read-write transaction. Bolt holds an exclusive
// file lock, so the transaction also excludes other processes.
func (d *BoltDevice) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d == nil || d.db == nil {
		return ErrClosed
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", boltBucket)
		}
		old := bucket.Get([]byte(key))
		value, err := fn(string(old), old != nil)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), []byte(value))
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	return err
}

func (d *BoltDevice) RemoveKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d == nil || d.db == nil {
		return ErrClosed
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", boltBucket)
		}
		return bucket.Delete([]byte(key))
	})
}

func (d *BoltDevice) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d == nil || d.db == nil {
		return nil, ErrClosed
	}

	var keys []string
	err := d.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket is missing", boltBucket)
		}
		p := []byte(prefix)
		c := bucket.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the underlying BoltDB database
func (d *BoltDevice) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
