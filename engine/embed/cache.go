package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
)

// Cache is an on-disk embedding cache. Embedding is deterministic for a
// given model id and text, so a (model, text) pair can be served from cache
// forever. Keys are emb:<model>:<sha256(text)>.
type Cache struct {
	db *badger.DB
}

// OpenCache opens (or creates) a cache at dir.
func OpenCache(dir string) (*Cache, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("embed: open cache %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(modelID, text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return []byte("emb:" + modelID + ":" + hex.EncodeToString(sum[:]))
}

// Get returns the cached vector for (modelID, text), if present.
func (c *Cache) Get(modelID, text string) ([]float32, bool) {
	var vec []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(modelID, text))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec = decodeVector(val)
			return nil
		})
	})
	if err != nil || vec == nil {
		return nil, false
	}
	return vec, true
}

// Put stores a vector for (modelID, text).
func (c *Cache) Put(modelID, text string, vec []float32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(modelID, text), encodeVector(vec))
	})
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
