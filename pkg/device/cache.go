package device

import (
	"sync"

	. "github.com/weberc2/mfs/pkg/types"
)

// Cached is a write-through LRU block cache in front of another device.
type Cached struct {
	Device

	lock  sync.Mutex
	cache *Cache
}

func NewCached(dev Device, capacity int) *Cached {
	return &Cached{Device: dev, cache: NewCache(capacity, dev.BlockSize())}
}

func (c *Cached) ReadBlock(id Block, p []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.cache.Get(id, p) {
		return nil
	}

	// the device read happens under the lock so a concurrent write can't be
	// overwritten in the cache by the stale block we're about to read
	if err := c.Device.ReadBlock(id, p); err != nil {
		return err
	}
	c.cache.Push(id, p)
	return nil
}

func (c *Cached) WriteBlock(id Block, p []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.Device.WriteBlock(id, p); err != nil {
		// the device may or may not hold the new contents now
		c.cache.Remove(id)
		return err
	}
	c.cache.Push(id, p)
	return nil
}

func (c *Cached) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.cache.lookup)
}

// Cache is a fixed-capacity LRU of block contents. Entries come from a pool
// allocated up front and are recycled on eviction. It is not safe for
// concurrent use.
type Cache struct {
	head      *entry
	tail      *entry
	lookup    map[Block]*entry
	allocator allocator
}

func NewCache(capacity int, blockSize Byte) *Cache {
	return &Cache{
		lookup:    make(map[Block]*entry, capacity),
		allocator: newAllocator(capacity, blockSize),
	}
}

func (c *Cache) Get(id Block, out []byte) bool {
	e, exists := c.lookup[id]
	if !exists {
		return false
	}

	c.unlink(e)
	c.pushFront(e)
	copy(out, e.data)
	return true
}

// Push caches a copy of `data` for `id`, evicting the least-recently-used
// entry when the pool is exhausted.
func (c *Cache) Push(id Block, data []byte) {
	if e, exists := c.lookup[id]; exists {
		c.unlink(e)
		c.pushFront(e)
		copy(e.data, data)
		return
	}

	e := c.allocator.alloc()
	if e == nil {
		if c.tail == nil {
			// zero capacity
			return
		}
		e = c.tail
		c.unlink(e)
		delete(c.lookup, e.id)
	}

	e.id = id
	copy(e.data, data)
	c.lookup[id] = e
	c.pushFront(e)
}

func (c *Cache) Remove(id Block) bool {
	e, exists := c.lookup[id]
	if !exists {
		return false
	}
	c.unlink(e)
	delete(c.lookup, id)
	c.allocator.free(e)
	return true
}

func (c *Cache) unlink(e *entry) {
	// if e is not the head, then it will have a non-nil `prev` field; we need
	// to set that `prev` to point to `e.next`
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}

	// similarly, if e is not the tail, then it will have a non-nil `next`
	// field; we need to set `e.next`'s `prev` to point to `e.prev`
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) pushFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

type entry struct {
	prev *entry
	next *entry
	id   Block
	data []byte
}

// allocator implements a simple allocation pool with a fixed capacity. Freed
// entries go on a free list and are handed out before untouched ones.
type allocator struct {
	length   int
	pool     []entry
	freeList []*entry
}

func newAllocator(capacity int, blockSize Byte) allocator {
	pool := make([]entry, capacity)
	backing := make([]byte, capacity*int(blockSize))
	for i := range pool {
		pool[i].data = backing[i*int(blockSize) : (i+1)*int(blockSize)]
	}
	return allocator{length: 0, pool: pool}
}

func (a *allocator) alloc() *entry {
	if n := len(a.freeList); n > 0 {
		e := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return e
	}
	if a.length >= len(a.pool) {
		return nil
	}
	ret := &a.pool[a.length]
	a.length++
	return ret
}

func (a *allocator) free(e *entry) {
	a.freeList = append(a.freeList, e)
}
