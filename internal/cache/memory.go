package cache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/l0p7/imgloader/internal/bitmap"
)

type memoryEntry struct {
	key    string
	bitmap *bitmap.Bitmap
	size   int
}

// Memory is a strict LRU cache bounded by total byte cost. Get and Set both
// promote the entry to most recently used.
type Memory struct {
	maxSize int
	sizeOf  SizeFunc

	mu        sync.Mutex
	size      int
	order     *list.List // front = most recently used
	entries   map[string]*list.Element
	hits      uint64
	misses    uint64
	puts      uint64
	evictions uint64
}

// NewMemory builds an LRU cache holding at most maxSize cost units. A nil
// sizeOf charges each bitmap its ByteCount.
func NewMemory(maxSize int, sizeOf SizeFunc) *Memory {
	if maxSize <= 0 {
		panic(fmt.Sprintf("cache: max size must be positive, got %d", maxSize))
	}
	if sizeOf == nil {
		sizeOf = ByteCount
	}
	return &Memory{
		maxSize: maxSize,
		sizeOf:  sizeOf,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *Memory) Get(key string) (*bitmap.Bitmap, bool) {
	if key == "" {
		panic("cache: key must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*memoryEntry).bitmap, true
}

func (c *Memory) Set(key string, b *bitmap.Bitmap) {
	if key == "" || b == nil {
		panic("cache: key and bitmap must not be nil")
	}
	size := c.sizeOf(b)
	if size <= 0 {
		panic(fmt.Sprintf("cache: non-positive size %d for key %q", size, key))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
	if size > c.maxSize {
		return
	}
	c.puts++
	c.size += size
	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, bitmap: b, size: size})
	c.trimTo(c.maxSize)
}

func (c *Memory) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimTo(-1)
}

func (c *Memory) ClearKeyPrefix(prefix string) {
	if prefix == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(el)
		}
	}
}

func (c *Memory) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Memory) MaxSize() int { return c.maxSize }

func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Memory) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.size,
		MaxSize:   c.maxSize,
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Puts:      c.puts,
		Evictions: c.evictions,
	}
}

// trimTo evicts from the tail until size <= limit. Callers hold mu.
func (c *Memory) trimTo(limit int) {
	for c.size > limit {
		el := c.order.Back()
		if el == nil {
			return
		}
		c.removeElement(el)
		c.evictions++
	}
}

func (c *Memory) removeElement(el *list.Element) {
	entry := c.order.Remove(el).(*memoryEntry)
	delete(c.entries, entry.key)
	c.size -= entry.size
}
