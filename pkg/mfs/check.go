package mfs

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/alloc"
	"github.com/weberc2/mfs/pkg/journal"
	. "github.com/weberc2/mfs/pkg/types"
)

// Report is the outcome of a consistency check.
type Report struct {
	// Free counts as recorded in the superblock and as counted from the
	// bitmaps.
	RecordedFreeBlocks uint64
	FreeBlocks         uint64
	RecordedFreeInodes uint64
	FreeInodes         uint64

	// UnmarkedMetadata are metadata blocks whose bitmap bit is clear.
	UnmarkedMetadata []Block

	// UnmarkedBlocks are referenced by an inode but marked free.
	UnmarkedBlocks []Block

	// LeakedBlocks are marked allocated but referenced by no inode.
	LeakedBlocks []Block

	// SharedBlocks are referenced more than once. Repair can't fix them.
	SharedBlocks []Block

	// Inodes counts the live inodes walked.
	Inodes uint64
}

// Clean reports whether the check found nothing to repair.
func (r *Report) Clean() bool {
	return r.RecordedFreeBlocks == r.FreeBlocks &&
		r.RecordedFreeInodes == r.FreeInodes &&
		len(r.UnmarkedMetadata) == 0 &&
		len(r.UnmarkedBlocks) == 0 &&
		len(r.LeakedBlocks) == 0 &&
		len(r.SharedBlocks) == 0
}

// Check compares the superblock counters with the bitmaps and the bitmaps
// with the blocks the live inodes reference. Mutations wait while it runs.
func (fs *FileSystem) Check() (Report, error) {
	if err := fs.checkMounted(); err != nil {
		return Report{}, fmt.Errorf("checking: %w", err)
	}
	fs.txnLock.Lock()
	defer fs.txnLock.Unlock()
	report, err := fs.check()
	if err != nil {
		return Report{}, fmt.Errorf("checking: %w", err)
	}
	return report, nil
}

func (fs *FileSystem) check() (Report, error) {
	var report Report

	sb, err := readSuperblock(fs.dev)
	if err != nil {
		return report, err
	}
	report.RecordedFreeBlocks = sb.FreeBlocks
	report.RecordedFreeInodes = sb.FreeInodes

	census, err := alloc.TakeCensus(fs.dev, &fs.geo)
	if err != nil {
		return report, err
	}
	report.FreeBlocks = census.FreeBlocks(&fs.geo)
	report.FreeInodes = census.FreeInodes(&fs.geo)
	report.UnmarkedMetadata = census.UnmarkedMetadata

	refs, err := fs.references(&report)
	if err != nil {
		return report, err
	}

	b := make([]byte, fs.geo.BlockSize)
	for g := uint64(0); g < fs.geo.Groups; g++ {
		if err := fs.dev.ReadBlock(fs.geo.BlockBitmap(g), b); err != nil {
			return report, err
		}
		bm := alloc.Bitmap(b)
		base := fs.geo.GroupBase(g)
		for i := fs.geo.MetaBlocks(g); i < fs.geo.GroupSize(g); i++ {
			block := base + Block(i)
			n := refs[block]
			switch {
			case n > 1:
				report.SharedBlocks = append(report.SharedBlocks, block)
			case n == 1 && !bm.Test(i):
				report.UnmarkedBlocks = append(report.UnmarkedBlocks, block)
			case n == 0 && bm.Test(i):
				report.LeakedBlocks = append(report.LeakedBlocks, block)
			}
		}
	}
	return report, nil
}

// references counts how many times the live inodes reference each block.
func (fs *FileSystem) references(report *Report) (map[Block]int, error) {
	refs := map[Block]int{}
	visit := func(block Block, _ uint64, _ bool) error {
		refs[block]++
		return nil
	}

	b := make([]byte, fs.geo.BlockSize)
	for g := uint64(0); g < fs.geo.Groups; g++ {
		if err := fs.dev.ReadBlock(fs.geo.InodeBitmap(g), b); err != nil {
			return nil, err
		}
		bm := alloc.Bitmap(b)
		for local := uint64(0); local < fs.geo.InodesPerGroup; local++ {
			if !bm.Test(local) {
				continue
			}
			var node Inode
			if err := fs.table.Read(fs.dev, fs.geo.Ino(g, local), &node); err != nil {
				return nil, err
			}
			if node.Mode == 0 {
				continue
			}
			report.Inodes++
			if err := fs.addr.Walk(fs.dev, &node, visit); err != nil {
				return nil, err
			}
		}
	}
	return refs, nil
}

// Repair recovers the journal, resetting it when it can't be recovered,
// fixes the bitmaps where the check found unmarked or leaked blocks,
// recomputes the counters and clears the error state. Shared blocks are
// only reported. It fails with `ReadOnlyErr` on a volume mounted read-only
// by request.
func (fs *FileSystem) Repair() (Report, error) {
	if err := fs.checkMounted(); err != nil {
		return Report{}, fmt.Errorf("repairing: %w", err)
	}
	if fs.options.ReadOnly {
		return Report{}, fmt.Errorf("repairing: %w", ReadOnlyErr)
	}
	fs.txnLock.Lock()
	defer fs.txnLock.Unlock()

	if err := fs.repairJournal(); err != nil {
		return Report{}, fmt.Errorf("repairing: %w", err)
	}

	report, err := fs.check()
	if err != nil {
		return Report{}, fmt.Errorf("repairing: %w", err)
	}

	mark := map[uint64][]Block{}
	unmark := map[uint64][]Block{}
	for _, block := range report.UnmarkedMetadata {
		g := fs.geo.GroupOf(block)
		mark[g] = append(mark[g], block)
	}
	for _, block := range report.UnmarkedBlocks {
		g := fs.geo.GroupOf(block)
		mark[g] = append(mark[g], block)
	}
	for _, block := range report.LeakedBlocks {
		g := fs.geo.GroupOf(block)
		unmark[g] = append(unmark[g], block)
	}

	// one transaction per group keeps each one a bitmap and a superblock
	for g := uint64(0); g < fs.geo.Groups; g++ {
		if len(mark[g]) == 0 && len(unmark[g]) == 0 {
			continue
		}
		if err := fs.commit(func(tx *journal.Txn) error {
			b, err := tx.Block(fs.geo.BlockBitmap(g))
			if err != nil {
				return err
			}
			bm := alloc.Bitmap(b)
			base := fs.geo.GroupBase(g)
			for _, block := range mark[g] {
				bm.Set(uint64(block - base))
			}
			for _, block := range unmark[g] {
				bm.Clear(uint64(block - base))
			}
			return nil
		}); err != nil {
			return report, fmt.Errorf("repairing group `%d`: %w", g, err)
		}
	}
	for _, block := range report.SharedBlocks {
		fs.logger.Warn("block referenced more than once", "block", block)
	}

	if err := fs.loadCounters(); err != nil {
		return report, fmt.Errorf("repairing: %w", err)
	}
	if err := fs.commit(func(tx *journal.Txn) error {
		fs.sbLock.Lock()
		fs.sb.State = StateDirty
		fs.sbLock.Unlock()
		return nil
	}); err != nil {
		return report, fmt.Errorf("repairing: %w", err)
	}
	fs.readOnly.Store(false)
	if fs.metrics != nil {
		fs.metrics.setReadOnly(false)
	}

	fs.logger.Info(
		"repaired",
		"unmarkedMetadata", len(report.UnmarkedMetadata),
		"unmarkedBlocks", len(report.UnmarkedBlocks),
		"leakedBlocks", len(report.LeakedBlocks),
		"sharedBlocks", len(report.SharedBlocks),
	)
	return report, nil
}

// repairJournal replays what the journal holds, or reformats the journal
// region and reopens it when that fails.
func (fs *FileSystem) repairJournal() error {
	if fs.journal != nil {
		scan, err := fs.journal.Recover()
		if err == nil {
			fs.logger.Info(
				"recovered journal",
				"transactions", len(scan.Transactions),
				"discarded", scan.Discarded,
			)
			return nil
		}
		fs.logger.Warn("resetting unrecoverable journal", "err", err.Error())
	}

	if err := journal.Format(
		fs.dev,
		fs.geo.JournalStart,
		fs.geo.JournalBlocks,
		fs.journalOptions.Checksums,
	); err != nil {
		return err
	}
	j, err := journal.Open(
		fs.dev,
		fs.geo.JournalStart,
		fs.geo.JournalBlocks,
		&fs.journalOptions,
	)
	if err != nil {
		return err
	}
	fs.journal = j
	return nil
}
