package superblock

import "sync"

// Counters are the superblock's free block and inode counts. They are the one
// piece of superblock state every allocation touches, so they sit behind a
// single lock of their own.
type Counters struct {
	lock       sync.Mutex
	freeBlocks uint64
	freeInodes uint64
}

func (c *Counters) Set(freeBlocks, freeInodes uint64) {
	c.lock.Lock()
	c.freeBlocks, c.freeInodes = freeBlocks, freeInodes
	c.lock.Unlock()
}

func (c *Counters) AddFreeBlocks(delta int64) {
	c.lock.Lock()
	c.freeBlocks = uint64(int64(c.freeBlocks) + delta)
	c.lock.Unlock()
}

func (c *Counters) AddFreeInodes(delta int64) {
	c.lock.Lock()
	c.freeInodes = uint64(int64(c.freeInodes) + delta)
	c.lock.Unlock()
}

func (c *Counters) FreeBlocks() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.freeBlocks
}

func (c *Counters) FreeInodes() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.freeInodes
}

// Snapshot returns both counts read under one lock acquisition.
func (c *Counters) Snapshot() (freeBlocks, freeInodes uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.freeBlocks, c.freeInodes
}
