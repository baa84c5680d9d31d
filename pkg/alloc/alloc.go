// Package alloc implements the block group allocator. Each group has a block
// bitmap and an inode bitmap; both are read and modified through the caller's
// transaction so every allocation is journaled along with the metadata that
// uses it. Group and superblock free counters are adjusted immediately and
// restored if the transaction rolls back.
//
// Each group's counters and bitmap mutations are guarded by a per-group
// lock. Two open transactions must not modify the same group's bitmaps; the
// filesystem's transaction lock guarantees that.
package alloc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

// Observer is notified of allocation activity; metrics hang off it.
type Observer interface {
	BlocksAllocated(n int)
	BlocksFreed(n int)
	Fragmented()
}

type Options struct {
	// AllowDoubleFree turns freeing an already-free block or inode into a
	// logged no-op instead of a `DoubleFreeErr`.
	AllowDoubleFree bool

	Logger   *slog.Logger
	Observer Observer
}

type Allocator struct {
	geo             *superblock.Geometry
	counters        *superblock.Counters
	groups          []group
	allowDoubleFree bool
	logger          *slog.Logger
	observer        Observer
}

type group struct {
	lock       sync.Mutex
	freeBlocks uint64
	freeInodes uint64

	// longest free run in the block bitmap, recomputed lazily
	longestRun uint64
	runValid   bool
}

func New(
	geo *superblock.Geometry,
	counters *superblock.Counters,
	options *Options,
) *Allocator {
	a := Allocator{
		geo:      geo,
		counters: counters,
		groups:   make([]group, geo.Groups),
		logger:   slog.Default(),
	}
	if options != nil {
		a.allowDoubleFree = options.AllowDoubleFree
		a.observer = options.Observer
		if options.Logger != nil {
			a.logger = options.Logger
		}
	}
	a.logger = a.logger.With("component", "alloc")
	return &a
}

// Census is a count of allocated blocks and inodes taken from the bitmaps.
type Census struct {
	UsedBlocks      uint64
	UsedInodes      uint64
	GroupFreeBlocks []uint64
	GroupFreeInodes []uint64

	// UnmarkedMetadata lists metadata blocks whose bitmap bit is clear.
	UnmarkedMetadata []Block
}

func (c *Census) FreeBlocks(geo *superblock.Geometry) uint64 {
	return geo.BlockCount - c.UsedBlocks
}

func (c *Census) FreeInodes(geo *superblock.Geometry) uint64 {
	return geo.InodeCount() - c.UsedInodes
}

// TakeCensus counts the set bits of every group's bitmaps.
func TakeCensus(r BlockReader, geo *superblock.Geometry) (Census, error) {
	c := Census{
		GroupFreeBlocks: make([]uint64, geo.Groups),
		GroupFreeInodes: make([]uint64, geo.Groups),
	}
	b := make([]byte, geo.BlockSize)
	for g := uint64(0); g < geo.Groups; g++ {
		if err := r.ReadBlock(geo.BlockBitmap(g), b); err != nil {
			return Census{}, fmt.Errorf(
				"reading block bitmap of group `%d`: %w",
				g,
				err,
			)
		}
		bm := Bitmap(b)
		used := bm.Count(geo.GroupSize(g))
		c.UsedBlocks += used
		c.GroupFreeBlocks[g] = geo.GroupSize(g) - used
		for i := uint64(0); i < geo.MetaBlocks(g); i++ {
			if !bm.Test(i) {
				c.UnmarkedMetadata = append(
					c.UnmarkedMetadata,
					geo.GroupBase(g)+Block(i),
				)
			}
		}

		if err := r.ReadBlock(geo.InodeBitmap(g), b); err != nil {
			return Census{}, fmt.Errorf(
				"reading inode bitmap of group `%d`: %w",
				g,
				err,
			)
		}
		used = Bitmap(b).Count(geo.InodesPerGroup)
		c.UsedInodes += used
		c.GroupFreeInodes[g] = geo.InodesPerGroup - used
	}
	return c, nil
}

// Load sets the per-group counters from a census.
func (a *Allocator) Load(c *Census) {
	for g := range a.groups {
		grp := &a.groups[g]
		grp.lock.Lock()
		grp.freeBlocks = c.GroupFreeBlocks[g]
		grp.freeInodes = c.GroupFreeInodes[g]
		grp.runValid = false
		grp.lock.Unlock()
	}
}

// GroupFree returns the free block and inode counts of `g`.
func (a *Allocator) GroupFree(g uint64) (blocks, inodes uint64) {
	grp := &a.groups[g]
	grp.lock.Lock()
	defer grp.lock.Unlock()
	return grp.freeBlocks, grp.freeInodes
}

func (a *Allocator) adjustBlocks(tx journal.Stager, g uint64, delta int64) {
	grp := &a.groups[g]
	grp.freeBlocks = uint64(int64(grp.freeBlocks) + delta)
	grp.runValid = false
	a.counters.AddFreeBlocks(delta)
	tx.OnRollback(func() {
		grp.lock.Lock()
		grp.freeBlocks = uint64(int64(grp.freeBlocks) - delta)
		grp.runValid = false
		grp.lock.Unlock()
		a.counters.AddFreeBlocks(-delta)
	})
}

func (a *Allocator) adjustInodes(tx journal.Stager, g uint64, delta int64) {
	grp := &a.groups[g]
	grp.freeInodes = uint64(int64(grp.freeInodes) + delta)
	a.counters.AddFreeInodes(delta)
	tx.OnRollback(func() {
		grp.lock.Lock()
		grp.freeInodes = uint64(int64(grp.freeInodes) - delta)
		grp.lock.Unlock()
		a.counters.AddFreeInodes(-delta)
	})
}

func (a *Allocator) blockBitmap(tx journal.Stager, g uint64) (Bitmap, error) {
	b, err := tx.Block(a.geo.BlockBitmap(g))
	if err != nil {
		return nil, fmt.Errorf("loading block bitmap of group `%d`: %w", g, err)
	}
	return Bitmap(b), nil
}

func (a *Allocator) inodeBitmap(tx journal.Stager, g uint64) (Bitmap, error) {
	b, err := tx.Block(a.geo.InodeBitmap(g))
	if err != nil {
		return nil, fmt.Errorf("loading inode bitmap of group `%d`: %w", g, err)
	}
	return Bitmap(b), nil
}
