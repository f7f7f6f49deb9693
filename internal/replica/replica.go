// Package replica keeps the last reconciled copy of each document on disk so
// the agent can show a document without reaching the sequencer.
package replica

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/internal/session"
)

var bucket = []byte("replicas")

// ErrNotFound is returned by Get for documents never reconciled here.
var ErrNotFound = errors.New("no replica")

// Entry is one reconciled state.
type Entry struct {
	Content string    `json:"content"`
	Version int64     `json:"version"`
	Saved   time.Time `json:"saved"`
}

type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening replica cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing replica cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func key(addr session.Address) []byte {
	return []byte(addr.String())
}

// Put records content as the reconciled state of addr. An entry older than
// the stored one is ignored.
func (c *Cache) Put(addr session.Address, content string, version int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if raw := b.Get(key(addr)); raw != nil {
			var prev Entry
			if err := json.Unmarshal(raw, &prev); err == nil && prev.Version > version {
				return nil
			}
		}
		raw, err := json.Marshal(Entry{Content: content, Version: version, Saved: time.Now().UTC()})
		if err != nil {
			return err
		}
		return b.Put(key(addr), raw)
	})
}

func (c *Cache) Get(addr session.Address) (Entry, error) {
	var e Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key(addr))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &e)
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Listing describes one cached document.
type Listing struct {
	Address string
	Version int64
	Saved   time.Time
}

// List describes the cached documents of room, or of every room when room is
// empty, in address order.
func (c *Cache) List(room string) ([]Listing, error) {
	var prefix []byte
	if room != "" {
		prefix = []byte(room + "/")
	}
	var out []Listing
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucket).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding replica %s: %w", k, err)
			}
			out = append(out, Listing{Address: string(k), Version: e.Version, Saved: e.Saved})
		}
		return nil
	})
	return out, err
}

func (c *Cache) Close() error {
	return c.db.Close()
}
