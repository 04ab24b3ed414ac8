// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps each collection in its own bucket with JSON values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Collection returns the bucket-backed accessor for name.
func (s *BoltStore) Collection(name string) Collection {
	return &boltCollection{db: s.db, bucket: []byte(name)}
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltCollection struct {
	db     *bolt.DB
	bucket []byte
}

func (c *boltCollection) Document(_ context.Context, id string, out any) (bool, error) {
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(id)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read document %s/%s: %w", c.bucket, id, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode document %s/%s: %w", c.bucket, id, err)
	}
	return true, nil
}

func (c *boltCollection) Put(_ context.Context, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", c.bucket, id, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(c.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), raw)
	})
}

func (c *boltCollection) Delete(_ context.Context, id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

func (c *boltCollection) List(_ context.Context) ([]string, error) {
	var ids []string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list collection %s: %w", c.bucket, err)
	}
	return ids, nil
}
