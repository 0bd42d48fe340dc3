// Package cache holds the two caches the loader uses: the bounded LRU memory
// cache of decoded bitmaps and the download stores that keep encoded bytes in
// front of the network (in process or in valkey).
package cache

import (
	"github.com/l0p7/imgloader/internal/bitmap"
)

// Cache stores decoded bitmaps by request key.
type Cache interface {
	Get(key string) (*bitmap.Bitmap, bool)
	// Set inserts or replaces key. It panics on an empty key, a nil bitmap or
	// a non-positive cost.
	Set(key string, b *bitmap.Bitmap)
	EvictAll()
	// ClearKeyPrefix removes every entry whose key starts with prefix.
	ClearKeyPrefix(prefix string)
	Size() int
	MaxSize() int
	Len() int
	Stats() Stats
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Size      int    `json:"size"`
	MaxSize   int    `json:"maxSize"`
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Puts      uint64 `json:"puts"`
	Evictions uint64 `json:"evictions"`
}

// SizeFunc returns the byte cost of an entry.
type SizeFunc func(*bitmap.Bitmap) int

// ByteCount is the default SizeFunc.
func ByteCount(b *bitmap.Bitmap) int { return b.ByteCount() }

type none struct{}

// None is a cache that never stores anything.
var None Cache = none{}

func (none) Get(string) (*bitmap.Bitmap, bool) { return nil, false }
func (none) Set(string, *bitmap.Bitmap)        {}
func (none) EvictAll()                         {}
func (none) ClearKeyPrefix(string)             {}
func (none) Size() int                         { return 0 }
func (none) MaxSize() int                      { return 0 }
func (none) Len() int                          { return 0 }
func (none) Stats() Stats                      { return Stats{} }
