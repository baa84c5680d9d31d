package alloc

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/journal"
	. "github.com/weberc2/mfs/pkg/types"
)

// Run is a span of consecutive blocks.
type Run struct {
	Start Block
	Len   uint64
}

func (r Run) End() Block { return r.Start + Block(r.Len) }

// Allocation is the result of `AllocateConsecutive`. More than one run means
// the request could not be satisfied contiguously and was scattered.
type Allocation struct {
	Runs []Run
}

// Fragmented reports whether the allocation fell back to scattered blocks.
func (a *Allocation) Fragmented() bool { return len(a.Runs) > 1 }

// Len is the total number of blocks across all runs.
func (a *Allocation) Len() uint64 {
	var n uint64
	for _, r := range a.Runs {
		n += r.Len
	}
	return n
}

// Blocks flattens the runs in allocation order.
func (a *Allocation) Blocks() []Block {
	blocks := make([]Block, 0, a.Len())
	for _, r := range a.Runs {
		for b := r.Start; b < r.End(); b++ {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func (a *Allocation) push(b Block) {
	if n := len(a.Runs); n > 0 && a.Runs[n-1].End() == b {
		a.Runs[n-1].Len++
		return
	}
	a.Runs = append(a.Runs, Run{Start: b, Len: 1})
}

// AllocateBlock allocates one data block. The hint's group is searched first
// starting right after the hint; failing that, the group with the longest
// free run wins, ties going to the group nearest the hint. `BlockNil` hints
// at group 0. Fails with `DiskFullErr` when no group has a free block.
func (a *Allocator) AllocateBlock(tx journal.Stager, hint Block) (Block, error) {
	hintGroup, from := a.hintPosition(hint)
	b, ok, err := a.allocateIn(tx, hintGroup, from)
	if err != nil || ok {
		return b, err
	}

	for {
		g, ok, err := a.bestGroup(tx, hintGroup)
		if err != nil {
			return BlockNil, err
		}
		if !ok {
			return BlockNil, fmt.Errorf(
				"allocating block near `%d`: %w",
				hint,
				DiskFullErr,
			)
		}
		b, ok, err := a.allocateIn(tx, g, 0)
		if err != nil || ok {
			return b, err
		}
	}
}

// AllocateConsecutive allocates `n` blocks, trying for a single run in one
// group (the hint's group first). If no group has such a run, the request
// is scattered across whatever is free; the caller sees that through
// `Allocation.Fragmented`. Fails with `DiskFullErr` without allocating
// anything when fewer than `n` blocks are free. On any error the caller must
// roll back the transaction.
func (a *Allocator) AllocateConsecutive(
	tx journal.Stager,
	n uint64,
	hint Block,
) (Allocation, error) {
	if n == 0 {
		return Allocation{}, nil
	}
	if free := a.counters.FreeBlocks(); free < n {
		return Allocation{}, fmt.Errorf(
			"allocating `%d` consecutive blocks with `%d` free: %w",
			n,
			free,
			DiskFullErr,
		)
	}

	hintGroup, from := a.hintPosition(hint)
	for i := uint64(0); i < a.geo.Groups; i++ {
		g := (hintGroup + i) % a.geo.Groups
		start := from
		if g != hintGroup {
			start = 0
		}
		run, ok, err := a.allocateRunIn(tx, g, start, n)
		if err != nil {
			return Allocation{}, err
		}
		if ok {
			return Allocation{Runs: []Run{run}}, nil
		}
	}

	var alloc Allocation
	next := hint
	for alloc.Len() < n {
		b, err := a.AllocateBlock(tx, next)
		if err != nil {
			return Allocation{}, fmt.Errorf(
				"scattering `%d` blocks: %w",
				n,
				err,
			)
		}
		alloc.push(b)
		next = b
	}
	a.logger.Warn(
		"no contiguous run; scattered allocation",
		"blocks", n,
		"runs", len(alloc.Runs),
		"hint", hint,
	)
	if a.observer != nil {
		tx.OnCommit(a.observer.Fragmented)
	}
	return alloc, nil
}

// FreeBlock releases a data block and drops any copy of it staged in `tx`,
// since the block may be reused for unjournaled data. Fails with
// `InvalidBlockIndexErr` for metadata or out-of-range blocks and with
// `DoubleFreeErr` if the block is already free (unless double frees are
// allowed).
func (a *Allocator) FreeBlock(tx journal.Stager, b Block) error {
	if b == BlockNil ||
		uint64(b) >= a.geo.BlockCount ||
		a.geo.IsMetadata(b) {
		return fmt.Errorf("freeing block `%d`: %w", b, InvalidBlockIndexErr)
	}

	g := a.geo.GroupOf(b)
	grp := &a.groups[g]
	grp.lock.Lock()
	defer grp.lock.Unlock()

	bm, err := a.blockBitmap(tx, g)
	if err != nil {
		return fmt.Errorf("freeing block `%d`: %w", b, err)
	}
	local := uint64(b - a.geo.GroupBase(g))
	if !bm.Test(local) {
		if a.allowDoubleFree {
			a.logger.Warn("ignoring double free", "block", b)
			return nil
		}
		return fmt.Errorf("freeing block `%d`: %w", b, DoubleFreeErr)
	}
	bm.Clear(local)
	a.adjustBlocks(tx, g, 1)
	tx.Forget(b)
	if a.observer != nil {
		tx.OnCommit(func() { a.observer.BlocksFreed(1) })
	}
	return nil
}

// hintPosition maps a hint to the group to search first and the local index
// to start from.
func (a *Allocator) hintPosition(hint Block) (uint64, uint64) {
	if hint == BlockNil || uint64(hint) >= a.geo.BlockCount {
		return 0, 0
	}
	g := a.geo.GroupOf(hint)
	return g, uint64(hint-a.geo.GroupBase(g)) + 1
}

// allocateIn takes the first free block of group `g` at or after local
// index `from`, wrapping around to the start of the group's data blocks.
func (a *Allocator) allocateIn(
	tx journal.Stager,
	g uint64,
	from uint64,
) (Block, bool, error) {
	grp := &a.groups[g]
	grp.lock.Lock()
	defer grp.lock.Unlock()
	if grp.freeBlocks == 0 {
		return BlockNil, false, nil
	}

	bm, err := a.blockBitmap(tx, g)
	if err != nil {
		return BlockNil, false, err
	}
	meta, limit := a.geo.MetaBlocks(g), a.geo.GroupSize(g)
	if from < meta || from >= limit {
		from = meta
	}
	local, ok := bm.FirstClear(from, limit)
	if !ok {
		if local, ok = bm.FirstClear(meta, from); !ok {
			a.logger.Warn(
				"group free count disagrees with bitmap",
				"group", g,
				"freeBlocks", grp.freeBlocks,
			)
			grp.freeBlocks = 0
			return BlockNil, false, nil
		}
	}
	bm.Set(local)
	a.adjustBlocks(tx, g, -1)
	if a.observer != nil {
		tx.OnCommit(func() { a.observer.BlocksAllocated(1) })
	}
	return a.geo.GroupBase(g) + Block(local), true, nil
}

func (a *Allocator) allocateRunIn(
	tx journal.Stager,
	g uint64,
	from uint64,
	n uint64,
) (Run, bool, error) {
	grp := &a.groups[g]
	grp.lock.Lock()
	defer grp.lock.Unlock()
	if grp.freeBlocks < n || (grp.runValid && grp.longestRun < n) {
		return Run{}, false, nil
	}

	if err := a.longestRunLocked(tx, g); err != nil {
		return Run{}, false, err
	}
	if grp.longestRun < n {
		return Run{}, false, nil
	}

	bm, err := a.blockBitmap(tx, g)
	if err != nil {
		return Run{}, false, err
	}
	meta, limit := a.geo.MetaBlocks(g), a.geo.GroupSize(g)
	if from < meta || from >= limit {
		from = meta
	}
	local, ok := bm.FirstRun(from, limit, n)
	if !ok {
		if local, ok = bm.FirstRun(meta, limit, n); !ok {
			return Run{}, false, nil
		}
	}
	for i := local; i < local+n; i++ {
		bm.Set(i)
	}
	a.adjustBlocks(tx, g, -int64(n))
	if a.observer != nil {
		tx.OnCommit(func() { a.observer.BlocksAllocated(int(n)) })
	}
	return Run{Start: a.geo.GroupBase(g) + Block(local), Len: n}, true, nil
}

// bestGroup picks the group with the longest free run, ties going to the
// group nearest `near`.
func (a *Allocator) bestGroup(tx journal.Stager, near uint64) (uint64, bool, error) {
	var (
		best     uint64
		bestRun  uint64
		bestDist uint64
		found    bool
	)
	for g := uint64(0); g < a.geo.Groups; g++ {
		grp := &a.groups[g]
		grp.lock.Lock()
		if grp.freeBlocks == 0 {
			grp.lock.Unlock()
			continue
		}
		err := a.longestRunLocked(tx, g)
		run := grp.longestRun
		grp.lock.Unlock()
		if err != nil {
			return 0, false, err
		}
		if run == 0 {
			continue
		}

		dist := distance(g, near)
		if !found || run > bestRun || (run == bestRun && dist < bestDist) {
			best, bestRun, bestDist, found = g, run, dist, true
		}
	}
	return best, found, nil
}

// longestRunLocked refreshes the cached longest free run of group `g`. The
// bitmap is read through `tx` so staged allocations count, but it is not
// staged itself. The group lock must be held.
func (a *Allocator) longestRunLocked(tx journal.Stager, g uint64) error {
	grp := &a.groups[g]
	if grp.runValid {
		return nil
	}
	b := make([]byte, a.geo.BlockSize)
	if err := tx.ReadBlock(a.geo.BlockBitmap(g), b); err != nil {
		return fmt.Errorf("reading block bitmap of group `%d`: %w", g, err)
	}
	_, grp.longestRun = Bitmap(b).LongestRun(
		a.geo.MetaBlocks(g),
		a.geo.GroupSize(g),
	)
	grp.runValid = true
	return nil
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
