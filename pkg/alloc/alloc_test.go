package alloc

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/weberc2/mfs/pkg/device"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

const testBlockSize Byte = 1024

type fixture struct {
	dev      *device.Mem
	geo      *superblock.Geometry
	counters *superblock.Counters
	journal  *journal.Journal
	alloc    *Allocator
	observer *countingObserver
}

type countingObserver struct {
	allocated  int
	freed      int
	fragmented int
}

func (o *countingObserver) BlocksAllocated(n int) { o.allocated += n }
func (o *countingObserver) BlocksFreed(n int)     { o.freed += n }
func (o *countingObserver) Fragmented()           { o.fragmented++ }

// newFixture formats a volume of `blocks` 1KiB blocks with a 16 block
// journal and `ipg` inodes per group.
func newFixture(t *testing.T, blocks, ipg uint64, options *Options) *fixture {
	t.Helper()
	geo, err := superblock.Plan(testBlockSize, blocks, 16, ipg)
	if err != nil {
		t.Fatalf("Plan(): unexpected err: %v", err)
	}
	dev := device.NewMem(testBlockSize, geo.BlockCount)
	if err := Format(dev, &geo); err != nil {
		t.Fatalf("Format(): unexpected err: %v", err)
	}
	if err := journal.Format(
		dev,
		geo.JournalStart,
		geo.JournalBlocks,
		true,
	); err != nil {
		t.Fatalf("journal.Format(): unexpected err: %v", err)
	}
	j, err := journal.Open(dev, geo.JournalStart, geo.JournalBlocks, &journal.Options{
		Clock: clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("journal.Open(): unexpected err: %v", err)
	}

	census, err := TakeCensus(dev, &geo)
	if err != nil {
		t.Fatalf("TakeCensus(): unexpected err: %v", err)
	}
	var counters superblock.Counters
	counters.Set(census.FreeBlocks(&geo), census.FreeInodes(&geo))

	observer := countingObserver{}
	if options == nil {
		options = &Options{}
	}
	options.Observer = &observer
	a := New(&geo, &counters, options)
	a.Load(&census)
	return &fixture{
		dev:      dev,
		geo:      &geo,
		counters: &counters,
		journal:  j,
		alloc:    a,
		observer: &observer,
	}
}

// assertFreeInvariant checks that the superblock free count equals the block
// count minus the bits set across every group bitmap on the device.
func (f *fixture) assertFreeInvariant(t *testing.T) {
	t.Helper()
	census, err := TakeCensus(f.dev, f.geo)
	if err != nil {
		t.Fatalf("TakeCensus(): unexpected err: %v", err)
	}
	if wanted, found := census.FreeBlocks(f.geo), f.counters.FreeBlocks(); wanted != found {
		t.Fatalf("free blocks: wanted `%d`; found `%d`", wanted, found)
	}
	if wanted, found := census.FreeInodes(f.geo), f.counters.FreeInodes(); wanted != found {
		t.Fatalf("free inodes: wanted `%d`; found `%d`", wanted, found)
	}
	for g := uint64(0); g < f.geo.Groups; g++ {
		blocks, inodes := f.alloc.GroupFree(g)
		if wanted := census.GroupFreeBlocks[g]; wanted != blocks {
			t.Fatalf(
				"group `%d` free blocks: wanted `%d`; found `%d`",
				g,
				wanted,
				blocks,
			)
		}
		if wanted := census.GroupFreeInodes[g]; wanted != inodes {
			t.Fatalf(
				"group `%d` free inodes: wanted `%d`; found `%d`",
				g,
				wanted,
				inodes,
			)
		}
	}
}

func commit(t *testing.T, tx *journal.Txn) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit(): unexpected err: %v", err)
	}
}

func allocate(t *testing.T, f *fixture, tx *journal.Txn, hint Block) Block {
	t.Helper()
	b, err := f.alloc.AllocateBlock(tx, hint)
	if err != nil {
		t.Fatalf("AllocateBlock(%d): unexpected err: %v", hint, err)
	}
	return b
}

func TestAllocateBlockHint(t *testing.T) {
	// Given a volume with two full groups
	f := newFixture(t, 2*BlocksPerGroup, 8, nil)
	tx := f.journal.Begin()

	// When blocks are allocated without and then with hints
	first := allocate(t, f, tx, BlockNil)
	second := allocate(t, f, tx, first)
	hint := f.geo.DataStart(1) + 10
	third := allocate(t, f, tx, hint)
	commit(t, tx)

	// Then the first block is group 0's first data block and hinted
	// allocations land right after their hints
	if wanted := f.geo.DataStart(0); first != wanted {
		t.Fatalf("first: wanted `%d`; found `%d`", wanted, first)
	}
	if wanted := first + 1; second != wanted {
		t.Fatalf("second: wanted `%d`; found `%d`", wanted, second)
	}
	if wanted := hint + 1; third != wanted {
		t.Fatalf("third: wanted `%d`; found `%d`", wanted, third)
	}
	if f.observer.allocated != 3 {
		t.Fatalf("allocated: wanted `3`; found `%d`", f.observer.allocated)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateBlockGroupsInParallel(t *testing.T) {
	// Given a volume with two full groups
	f := newFixture(t, 2*BlocksPerGroup, 8, nil)
	const rounds, perRound = 8, 16

	// When each group is allocated from by its own goroutine, one
	// transaction per round
	var wg sync.WaitGroup
	blocks := make([][]Block, 2)
	errs := make([]error, 2)
	for g := range blocks {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			hint := f.geo.DataStart(uint64(g))
			for r := 0; r < rounds; r++ {
				tx := f.journal.Begin()
				for i := 0; i < perRound; i++ {
					b, err := f.alloc.AllocateBlock(tx, hint)
					if err != nil {
						tx.Rollback()
						errs[g] = err
						return
					}
					blocks[g] = append(blocks[g], b)
					hint = b
				}
				if err := tx.Commit(); err != nil {
					errs[g] = err
					return
				}
			}
		}(g)
	}
	wg.Wait()

	// Then every block is distinct and stays in its goroutine's group
	for g, err := range errs {
		if err != nil {
			t.Fatalf("group `%d`: unexpected err: %v", g, err)
		}
	}
	seen := make(map[Block]bool)
	for g := range blocks {
		if len(blocks[g]) != rounds*perRound {
			t.Fatalf(
				"group `%d` blocks: wanted `%d`; found `%d`",
				g,
				rounds*perRound,
				len(blocks[g]),
			)
		}
		for _, b := range blocks[g] {
			if found := f.geo.GroupOf(b); found != uint64(g) {
				t.Fatalf(
					"group of block `%d`: wanted `%d`; found `%d`",
					b,
					g,
					found,
				)
			}
			if seen[b] {
				t.Fatalf("block `%d` allocated twice", b)
			}
			seen[b] = true
		}
	}
	if wanted := 2 * rounds * perRound; f.observer.allocated != wanted {
		t.Fatalf(
			"allocated: wanted `%d`; found `%d`",
			wanted,
			f.observer.allocated,
		)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateBlockWrapsWithinGroup(t *testing.T) {
	// Given a volume whose only group has its last data block allocated
	f := newFixture(t, 200, 8, nil)
	last := Block(f.geo.BlockCount - 1)
	tx := f.journal.Begin()
	if b := allocate(t, f, tx, last-1); b != last {
		t.Fatalf("wanted `%d`; found `%d`", last, b)
	}

	// When a block is requested right after the end of the group
	b := allocate(t, f, tx, last)
	commit(t, tx)

	// Then the search wraps around to the first data block
	if wanted := f.geo.DataStart(0); b != wanted {
		t.Fatalf("wanted `%d`; found `%d`", wanted, b)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateBlockPrefersLongestRun(t *testing.T) {
	// Given three groups where the hinted group is full and the group next to
	// it is fragmented
	f := newFixture(t, 2*BlocksPerGroup+40, 8, nil)
	tx := f.journal.Begin()
	hint := f.geo.DataStart(2)
	for i := f.geo.MetaBlocks(2); i < f.geo.GroupSize(2); i++ {
		allocate(t, f, tx, hint)
	}
	bm, err := tx.Block(f.geo.BlockBitmap(1))
	if err != nil {
		t.Fatalf("Block(): unexpected err: %v", err)
	}
	Bitmap(bm).Set(BlocksPerGroup / 2)
	f.alloc.groups[1].runValid = false

	// When a block is requested near the full group
	b := allocate(t, f, tx, hint)

	// Then it comes from group 0, whose free run is longer
	if wanted := f.geo.DataStart(0); b != wanted {
		t.Fatalf("wanted `%d`; found `%d`", wanted, b)
	}
	tx.Rollback()
}

func TestAllocateBlockLeavesFullGroup(t *testing.T) {
	// Given three groups where the hinted group (2) is full and groups 0 and
	// 1 are untouched
	f := newFixture(t, 2*BlocksPerGroup+40, 8, nil)
	tx := f.journal.Begin()
	hint := f.geo.DataStart(2)
	for i := f.geo.MetaBlocks(2); i < f.geo.GroupSize(2); i++ {
		allocate(t, f, tx, hint)
	}

	// When a block is requested near the full group
	b := allocate(t, f, tx, hint)
	commit(t, tx)

	// Then group 1 wins: its run is the longest (group 0 also holds the
	// superblock and journal) and it is the nearest
	if wanted := f.geo.DataStart(1); b != wanted {
		t.Fatalf("wanted `%d`; found `%d`", wanted, b)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateBlockDiskFull(t *testing.T) {
	// Given a volume with every data block allocated
	f := newFixture(t, 200, 8, nil)
	free := f.counters.FreeBlocks()
	tx := f.journal.Begin()
	for i := uint64(0); i < free; i++ {
		allocate(t, f, tx, BlockNil)
	}

	// When one more block is requested
	_, err := f.alloc.AllocateBlock(tx, BlockNil)

	// Then the allocator fails with `DiskFullErr`
	if !errors.Is(err, DiskFullErr) {
		t.Fatalf("wanted `%v`; found `%v`", DiskFullErr, err)
	}
	commit(t, tx)
	if found := f.counters.FreeBlocks(); found != 0 {
		t.Fatalf("free blocks: wanted `0`; found `%d`", found)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateRollbackRestoresCounters(t *testing.T) {
	// Given an allocator with a known free count
	f := newFixture(t, 2*BlocksPerGroup, 8, nil)
	freeBlocks, freeInodes := f.counters.Snapshot()

	// When blocks and inodes are allocated and the transaction is rolled
	// back
	tx := f.journal.Begin()
	allocate(t, f, tx, BlockNil)
	if _, err := f.alloc.AllocateConsecutive(tx, 5, f.geo.DataStart(1)); err != nil {
		t.Fatalf("AllocateConsecutive(): unexpected err: %v", err)
	}
	if _, err := f.alloc.AllocateInode(tx, 0, false); err != nil {
		t.Fatalf("AllocateInode(): unexpected err: %v", err)
	}
	tx.Rollback()

	// Then the counters are back where they started and nothing was counted
	b, i := f.counters.Snapshot()
	if b != freeBlocks {
		t.Fatalf("free blocks: wanted `%d`; found `%d`", freeBlocks, b)
	}
	if i != freeInodes {
		t.Fatalf("free inodes: wanted `%d`; found `%d`", freeInodes, i)
	}
	if f.observer.allocated != 0 {
		t.Fatalf("allocated: wanted `0`; found `%d`", f.observer.allocated)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateConsecutive(t *testing.T) {
	// Given an empty volume
	f := newFixture(t, 2*BlocksPerGroup, 8, nil)
	tx := f.journal.Begin()

	// When ten consecutive blocks are requested
	alloc, err := f.alloc.AllocateConsecutive(tx, 10, BlockNil)
	if err != nil {
		t.Fatalf("AllocateConsecutive(): unexpected err: %v", err)
	}
	commit(t, tx)

	// Then a single run starting at the first data block is returned
	if alloc.Fragmented() {
		t.Fatalf("wanted one run; found `%d`", len(alloc.Runs))
	}
	wanted := Run{Start: f.geo.DataStart(0), Len: 10}
	if alloc.Runs[0] != wanted {
		t.Fatalf("wanted `%+v`; found `%+v`", wanted, alloc.Runs[0])
	}
	if found := len(alloc.Blocks()); found != 10 {
		t.Fatalf("blocks: wanted `10`; found `%d`", found)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateConsecutiveScatters(t *testing.T) {
	// Given a volume where only every other data block is free
	f := newFixture(t, 200, 8, nil)
	free := f.counters.FreeBlocks()
	tx := f.journal.Begin()
	all, err := f.alloc.AllocateConsecutive(tx, free, BlockNil)
	if err != nil {
		t.Fatalf("AllocateConsecutive(%d): unexpected err: %v", free, err)
	}
	for i, b := range all.Blocks() {
		if i%2 == 0 {
			if err := f.alloc.FreeBlock(tx, b); err != nil {
				t.Fatalf("FreeBlock(%d): unexpected err: %v", b, err)
			}
		}
	}
	commit(t, tx)

	// When three consecutive blocks are requested
	tx = f.journal.Begin()
	alloc, err := f.alloc.AllocateConsecutive(tx, 3, BlockNil)
	if err != nil {
		t.Fatalf("AllocateConsecutive(3): unexpected err: %v", err)
	}
	commit(t, tx)

	// Then the fallback is explicit: three single-block runs, and the
	// fragmentation is reported
	if !alloc.Fragmented() {
		t.Fatal("wanted a fragmented allocation")
	}
	if found := len(alloc.Runs); found != 3 {
		t.Fatalf("runs: wanted `3`; found `%d`", found)
	}
	if found := alloc.Len(); found != 3 {
		t.Fatalf("blocks: wanted `3`; found `%d`", found)
	}
	if f.observer.fragmented != 1 {
		t.Fatalf("fragmented: wanted `1`; found `%d`", f.observer.fragmented)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateConsecutiveDiskFull(t *testing.T) {
	// Given a small volume
	f := newFixture(t, 200, 8, nil)
	free := f.counters.FreeBlocks()
	tx := f.journal.Begin()
	defer tx.Rollback()

	// When more blocks are requested than are free
	_, err := f.alloc.AllocateConsecutive(tx, free+1, BlockNil)

	// Then the request fails up front and allocates nothing
	if !errors.Is(err, DiskFullErr) {
		t.Fatalf("wanted `%v`; found `%v`", DiskFullErr, err)
	}
	if found := f.counters.FreeBlocks(); found != free {
		t.Fatalf("free blocks: wanted `%d`; found `%d`", free, found)
	}
	if tx.Len() != 0 {
		t.Fatalf("staged: wanted `0`; found `%d`", tx.Len())
	}
}

func TestFreeBlock(t *testing.T) {
	for _, testCase := range []struct {
		name    string
		options *Options
		block   func(f *fixture, allocated Block) Block
		wanted  error
	}{
		{
			name:  "allocated",
			block: func(_ *fixture, allocated Block) Block { return allocated },
		},
		{
			name:   "double-free",
			block:  func(_ *fixture, allocated Block) Block { return allocated + 1 },
			wanted: DoubleFreeErr,
		},
		{
			name:    "double-free-allowed",
			options: &Options{AllowDoubleFree: true},
			block:   func(_ *fixture, allocated Block) Block { return allocated + 1 },
		},
		{
			name: "metadata",
			block: func(f *fixture, _ Block) Block {
				return f.geo.InodeBitmap(0)
			},
			wanted: InvalidBlockIndexErr,
		},
		{
			name: "journal",
			block: func(f *fixture, _ Block) Block {
				return f.geo.JournalStart
			},
			wanted: InvalidBlockIndexErr,
		},
		{
			name: "out-of-range",
			block: func(f *fixture, _ Block) Block {
				return Block(f.geo.BlockCount)
			},
			wanted: InvalidBlockIndexErr,
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			// Given one allocated block
			f := newFixture(t, 200, 8, testCase.options)
			tx := f.journal.Begin()
			allocated := allocate(t, f, tx, BlockNil)
			commit(t, tx)

			// When a block is freed
			tx = f.journal.Begin()
			err := f.alloc.FreeBlock(tx, testCase.block(f, allocated))

			// Then the error matches and the free count stays consistent
			if !errors.Is(err, testCase.wanted) {
				t.Fatalf("wanted `%v`; found `%v`", testCase.wanted, err)
			}
			commit(t, tx)
			f.assertFreeInvariant(t)
		})
	}
}

func TestFreeBlockForgetsStagedCopy(t *testing.T) {
	// Given a block allocated and staged in the same transaction
	f := newFixture(t, 200, 8, nil)
	tx := f.journal.Begin()
	b := allocate(t, f, tx, BlockNil)
	if _, err := tx.Zero(b); err != nil {
		t.Fatalf("Zero(): unexpected err: %v", err)
	}

	// When the block is freed
	if err := f.alloc.FreeBlock(tx, b); err != nil {
		t.Fatalf("FreeBlock(): unexpected err: %v", err)
	}

	// Then the transaction no longer carries it
	if tx.Staged(b) {
		t.Fatalf("block `%d` still staged", b)
	}
	commit(t, tx)
	if f.observer.freed != 1 {
		t.Fatalf("freed: wanted `1`; found `%d`", f.observer.freed)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateInode(t *testing.T) {
	// Given three groups with eight inodes each
	f := newFixture(t, 2*BlocksPerGroup+40, 8, nil)
	tx := f.journal.Begin()

	// When the root, a file and a directory are allocated under group 0
	root, err := f.alloc.AllocateInode(tx, 0, true)
	if err != nil {
		t.Fatalf("AllocateInode(root): unexpected err: %v", err)
	}
	file, err := f.alloc.AllocateInode(tx, 0, false)
	if err != nil {
		t.Fatalf("AllocateInode(file): unexpected err: %v", err)
	}
	dir, err := f.alloc.AllocateInode(tx, 0, true)
	if err != nil {
		t.Fatalf("AllocateInode(dir): unexpected err: %v", err)
	}
	commit(t, tx)

	// Then the root is inode 1, the file stays in group 0 and the directory
	// moves to the nearest of the emptiest groups
	if root != InoRoot {
		t.Fatalf("root: wanted `%d`; found `%d`", InoRoot, root)
	}
	if file != 2 {
		t.Fatalf("file: wanted `2`; found `%d`", file)
	}
	if wanted := f.geo.Ino(1, 0); dir != wanted {
		t.Fatalf("dir: wanted `%d`; found `%d`", wanted, dir)
	}
	f.assertFreeInvariant(t)
}

func TestAllocateInodeExhausted(t *testing.T) {
	// Given a volume with one group of eight inodes, all allocated
	f := newFixture(t, 200, 8, nil)
	tx := f.journal.Begin()
	for i := 0; i < 8; i++ {
		if _, err := f.alloc.AllocateInode(tx, 0, false); err != nil {
			t.Fatalf("AllocateInode(): unexpected err: %v", err)
		}
	}

	// When another inode is requested
	_, err := f.alloc.AllocateInode(tx, 0, false)

	// Then the allocator fails with `DiskFullErr`
	if !errors.Is(err, DiskFullErr) {
		t.Fatalf("wanted `%v`; found `%v`", DiskFullErr, err)
	}
	tx.Rollback()
}

func TestFreeInode(t *testing.T) {
	// Given an allocated inode
	f := newFixture(t, 200, 8, nil)
	tx := f.journal.Begin()
	ino, err := f.alloc.AllocateInode(tx, 0, false)
	if err != nil {
		t.Fatalf("AllocateInode(): unexpected err: %v", err)
	}
	commit(t, tx)

	// When it is freed twice
	tx = f.journal.Begin()
	if err := f.alloc.FreeInode(tx, ino); err != nil {
		t.Fatalf("FreeInode(): unexpected err: %v", err)
	}
	err = f.alloc.FreeInode(tx, ino)

	// Then the second free fails with `DoubleFreeErr`
	if !errors.Is(err, DoubleFreeErr) {
		t.Fatalf("wanted `%v`; found `%v`", DoubleFreeErr, err)
	}
	commit(t, tx)
	f.assertFreeInvariant(t)

	// And inode 0 is rejected
	tx = f.journal.Begin()
	defer tx.Rollback()
	if err := f.alloc.FreeInode(tx, InoNil); !errors.Is(err, superblock.InvalidInoErr) {
		t.Fatalf("wanted `%v`; found `%v`", superblock.InvalidInoErr, err)
	}
}

func TestFreeCountInvariant(t *testing.T) {
	// Given a two-group volume
	f := newFixture(t, 2*BlocksPerGroup, 8, nil)
	rng := rand.New(rand.NewSource(1))
	var live []Block

	// When random batches of allocations and frees are committed or rolled
	// back
	for round := 0; round < 50; round++ {
		tx := f.journal.Begin()
		before := len(live)
		var freed []int
		for op := 0; op < 8; op++ {
			if len(live) > 0 && rng.Intn(3) == 0 {
				i := rng.Intn(len(live))
				if containsIndex(freed, i) {
					continue
				}
				if err := f.alloc.FreeBlock(tx, live[i]); err != nil {
					t.Fatalf("FreeBlock(%d): unexpected err: %v", live[i], err)
				}
				freed = append(freed, i)
				continue
			}
			hint := BlockNil
			if rng.Intn(2) == 0 {
				hint = f.geo.DataStart(uint64(rng.Intn(2))) +
					Block(rng.Intn(100))
			}
			alloc, err := f.alloc.AllocateConsecutive(
				tx,
				uint64(rng.Intn(4)+1),
				hint,
			)
			if err != nil {
				t.Fatalf("AllocateConsecutive(): unexpected err: %v", err)
			}
			if rng.Intn(4) != 0 {
				live = append(live, alloc.Blocks()...)
			}
		}

		if rng.Intn(5) == 0 {
			tx.Rollback()
			live = live[:before]
		} else {
			commit(t, tx)
			live = removeIndexes(live, freed)
		}

		// Then the superblock count matches the bitmaps after every round
		f.assertFreeInvariant(t)
	}
}

func containsIndex(indexes []int, i int) bool {
	for _, x := range indexes {
		if x == i {
			return true
		}
	}
	return false
}

func removeIndexes(blocks []Block, indexes []int) []Block {
	out := blocks[:0]
	for i, b := range blocks {
		if !containsIndex(indexes, i) {
			out = append(out, b)
		}
	}
	return out
}

func TestTakeCensusUnmarkedMetadata(t *testing.T) {
	// Given a formatted volume whose inode table bit was cleared on disk
	f := newFixture(t, 200, 8, nil)
	b := make([]byte, testBlockSize)
	if err := f.dev.ReadBlock(f.geo.BlockBitmap(0), b); err != nil {
		t.Fatalf("ReadBlock(): unexpected err: %v", err)
	}
	table := f.geo.InodeTable(0)
	Bitmap(b).Clear(uint64(table))
	if err := f.dev.WriteBlock(f.geo.BlockBitmap(0), b); err != nil {
		t.Fatalf("WriteBlock(): unexpected err: %v", err)
	}

	// When the bitmaps are counted
	census, err := TakeCensus(f.dev, f.geo)
	if err != nil {
		t.Fatalf("TakeCensus(): unexpected err: %v", err)
	}

	// Then the inode table is reported
	if len(census.UnmarkedMetadata) != 1 ||
		census.UnmarkedMetadata[0] != table {
		t.Fatalf(
			"wanted `[%d]`; found `%v`",
			table,
			census.UnmarkedMetadata,
		)
	}
}
