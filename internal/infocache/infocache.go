// Package infocache stores validated info dictionaries in a bolt database so
// repeated fetches of the same magnet skip the network.
package infocache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

var infosBucket = []byte("infos")

// InfoCache maps info hashes to raw info dictionary bytes. Only complete,
// hash-validated blobs are stored.
type InfoCache struct {
	db *bolt.DB
}

// Open opens or creates the cache database at the given path.
func Open(path string) (*InfoCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrap(err, "cannot create cache directory")
	}
	db, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("cache database is locked by another process")
	} else if err != nil {
		return nil, errors.Wrap(err, "cannot open cache database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(infosBucket)
		return err2
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &InfoCache{db: db}, nil
}

// Get returns the cached info bytes for a hash, or nil when absent.
func (c *InfoCache) Get(infoHash [20]byte) ([]byte, error) {
	var value []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(infosBucket).Get(infoHash[:])
		if b != nil {
			value = make([]byte, len(b))
			copy(value, b)
		}
		return nil
	})
	return value, err
}

// Put stores the info bytes for a hash.
func (c *InfoCache) Put(infoHash [20]byte, info []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(infosBucket).Put(infoHash[:], info)
	})
}

// Close closes the underlying database.
func (c *InfoCache) Close() error { return c.db.Close() }
