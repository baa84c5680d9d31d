package mfs

import (
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/weberc2/mfs/pkg/alloc"
	"github.com/weberc2/mfs/pkg/device"
	"github.com/weberc2/mfs/pkg/encode"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

// Format writes a fresh, clean volume over the whole of `dev`: superblock,
// empty journal, group bitmaps with the metadata blocks reserved, zeroed
// inode tables and the root directory.
func Format(dev device.Device, params *FormatParams) error {
	var p FormatParams
	if params != nil {
		p = *params
	}
	if p.Features == 0 && !p.NoFeatures {
		p.Features = DefaultFeatures
	}
	if p.MaxMountCount == 0 {
		p.MaxMountCount = DefaultMaxMountCount
	}
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	geo, err := superblock.Plan(
		dev.BlockSize(),
		dev.BlockCount(),
		p.JournalBlocks,
		p.InodesPerGroup,
	)
	if err != nil {
		return fmt.Errorf("formatting: %w", err)
	}

	if err := journal.Format(
		dev,
		geo.JournalStart,
		geo.JournalBlocks,
		p.Features.Has(FeatureJournalChecksums),
	); err != nil {
		return fmt.Errorf("formatting: %w", err)
	}
	if err := alloc.Format(dev, &geo); err != nil {
		return fmt.Errorf("formatting: %w", err)
	}

	census, err := alloc.TakeCensus(dev, &geo)
	if err != nil {
		return fmt.Errorf("formatting: %w", err)
	}

	sb := Superblock{
		Magic:          SuperblockMagic,
		Version:        SuperblockVersion,
		BlockSize:      geo.BlockSize,
		BlockCount:     geo.BlockCount,
		FreeBlocks:     census.FreeBlocks(&geo),
		InodeCount:     geo.InodeCount(),
		FreeInodes:     census.FreeInodes(&geo),
		BlocksPerGroup: geo.BlocksPerGroup,
		JournalStart:   geo.JournalStart,
		JournalBlocks:  geo.JournalBlocks,
		Features:       p.Features,
		State:          StateClean,
		UUID:           [16]byte(p.UUID),
		Created:        uint64(p.Clock.Now().Unix()),
		InodesPerGroup: geo.InodesPerGroup,
		MaxMountCount:  p.MaxMountCount,
	}
	b := make([]byte, geo.BlockSize)
	encode.EncodeSuperblock(&sb, b)
	if err := dev.WriteBlock(0, b); err != nil {
		return fmt.Errorf("formatting: writing superblock: %w", err)
	}

	fs, err := open(dev, &sb, &Options{Clock: p.Clock, Logger: p.Logger})
	if err != nil {
		return fmt.Errorf("formatting: %w", err)
	}
	fs.alloc.Load(&census)
	fs.counters.Set(sb.FreeBlocks, sb.FreeInodes)

	fs.txnLock.Lock()
	err = fs.commit(func(tx *journal.Txn) error {
		return fs.initRoot(tx, p.RootUID, p.RootGID)
	})
	fs.txnLock.Unlock()
	if err != nil {
		return fmt.Errorf("formatting: creating root: %w", err)
	}

	if err := dev.Sync(); err != nil {
		return fmt.Errorf("formatting: %w", err)
	}
	fs.logger.Info(
		"formatted",
		"uuid", p.UUID.String(),
		"blockSize", geo.BlockSize,
		"blocks", geo.BlockCount,
		"groups", geo.Groups,
		"inodes", geo.InodeCount(),
		"journalBlocks", geo.JournalBlocks,
	)
	return nil
}

func (fs *FileSystem) initRoot(tx *journal.Txn, uid, gid uint16) error {
	ino, err := fs.alloc.AllocateInode(tx, 0, true)
	if err != nil {
		return err
	}
	if ino != InoRoot {
		return fmt.Errorf("root allocated as inode `%d`: %w", ino, FormatErr)
	}

	now := fs.now()
	root := Inode{
		Ino:        InoRoot,
		Mode:       NewMode(FileTypeDir, 0o755),
		UID:        uid,
		GID:        gid,
		LinksCount: 2,
		Atime:      now,
		Mtime:      now,
		Ctime:      now,
	}
	if err := fs.dirs.Init(tx, &root, InoRoot); err != nil {
		return err
	}
	return fs.table.Write(tx, &root)
}
