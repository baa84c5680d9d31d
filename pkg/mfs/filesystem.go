// Package mfs is the filesystem façade: it formats and mounts volumes and
// runs every file and directory operation as one journaled transaction.
//
// Mutating operations are serialized by a transaction lock. Reads only wait
// while a committed transaction is being applied to its home blocks, so they
// never observe a half-applied transaction.
package mfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/weberc2/mfs/pkg/alloc"
	"github.com/weberc2/mfs/pkg/device"
	"github.com/weberc2/mfs/pkg/directory"
	"github.com/weberc2/mfs/pkg/encode"
	"github.com/weberc2/mfs/pkg/inode"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/security"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

// mountedDevices holds the device of every live mount.
var mountedDevices sync.Map

type FileSystem struct {
	// base is the device Mount was given, before any cache wraps it.
	base device.Device

	dev      device.Device
	geo      superblock.Geometry
	counters superblock.Counters
	journal  *journal.Journal
	alloc    *alloc.Allocator
	table    inode.Table
	addr     *inode.Addresser
	dirs     *directory.Manager
	security *security.Checker
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	options  Options

	journalOptions journal.Options

	// sbLock guards `sb`. Its free counts are only meaningful when a
	// transaction stages it; `counters` is the live copy.
	sbLock sync.Mutex
	sb     Superblock

	// txnLock serializes mutating operations.
	txnLock sync.Mutex

	// applyLock is held exclusively while the journal applies a committed
	// transaction and shared by readers.
	applyLock sync.RWMutex

	mounted  atomic.Bool
	readOnly atomic.Bool

	genLock     sync.Mutex
	generations map[Ino]uint64
}

// Mount opens the volume on `dev`. The journal is always recovered first.
// A volume in the error state, or whose journal turns out to be corrupt,
// mounts read-only; the latter fails once with `JournalCorruptErr` after
// persisting the error state. A device can carry one mount at a time.
func Mount(dev device.Device, options *Options) (_ *FileSystem, err error) {
	var opts Options
	if options != nil {
		opts = *options
	}
	base := dev
	if _, busy := mountedDevices.LoadOrStore(base, struct{}{}); busy {
		return nil, fmt.Errorf("mounting: %w", AlreadyMountedErr)
	}
	defer func() {
		if err != nil {
			mountedDevices.Delete(base)
		}
	}()
	if opts.CacheBlocks > 0 {
		dev = device.NewCached(dev, opts.CacheBlocks)
	}

	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, fmt.Errorf("mounting: %w", err)
	}

	fs, err := open(dev, &sb, &opts)
	if err != nil {
		return nil, fmt.Errorf("mounting: %w", err)
	}
	fs.base = base

	if err := fs.recover(); err != nil {
		return nil, fmt.Errorf("mounting: %w", err)
	}

	if err := fs.loadCounters(); err != nil {
		return nil, fmt.Errorf("mounting: %w", err)
	}

	var root Inode
	if err := fs.table.Read(fs.dev, InoRoot, &root); err != nil {
		return nil, fmt.Errorf("mounting: reading root: %w", err)
	}
	if !root.IsDir() {
		return nil, fmt.Errorf(
			"mounting: root inode is `%s`: %w",
			root.FileType(),
			CorruptSuperblockErr,
		)
	}

	if !fs.readOnly.Load() {
		if err := fs.markMounted(); err != nil {
			return nil, fmt.Errorf("mounting: %w", err)
		}
	}

	fs.mounted.Store(true)
	fs.logger.Info(
		"mounted",
		"blocks", fs.geo.BlockCount,
		"groups", fs.geo.Groups,
		"state", fs.sb.State.String(),
		"mountCount", fs.sb.MountCount,
		"readOnly", fs.readOnly.Load(),
	)
	return fs, nil
}

func readSuperblock(dev device.Device) (Superblock, error) {
	var sb Superblock
	b := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(0, b); err != nil {
		return sb, fmt.Errorf("reading superblock: %w", err)
	}
	if err := encode.DecodeSuperblock(&sb, b); err != nil {
		return sb, fmt.Errorf("reading superblock: %w", err)
	}
	if sb.BlockSize != dev.BlockSize() || sb.BlockCount > dev.BlockCount() {
		return sb, fmt.Errorf(
			"reading superblock: volume of `%d` blocks of `%d` bytes on a "+
				"device of `%d` blocks of `%d` bytes: %w",
			sb.BlockCount,
			sb.BlockSize,
			dev.BlockCount(),
			dev.BlockSize(),
			CorruptSuperblockErr,
		)
	}
	return sb, nil
}

// open wires the layers together for the volume `sb` describes. It neither
// recovers the journal nor loads the allocator's counters.
func open(dev device.Device, sb *Superblock, options *Options) (*FileSystem, error) {
	geo, err := superblock.FromSuperblock(sb)
	if err != nil {
		return nil, err
	}

	fs := FileSystem{
		dev:         dev,
		geo:         geo,
		sb:          *sb,
		clock:       clock.New(),
		logger:      slog.Default(),
		metrics:     options.Metrics,
		options:     *options,
		generations: map[Ino]uint64{},
	}
	if options.Clock != nil {
		fs.clock = options.Clock
	}
	if options.Logger != nil {
		fs.logger = options.Logger
	}
	fs.logger = fs.logger.With("component", "mfs")
	fs.readOnly.Store(options.ReadOnly || sb.State == StateError)

	journalOptions := journal.Options{
		Disabled:  !sb.Features.Has(FeatureJournaling),
		Checksums: sb.Features.Has(FeatureJournalChecksums),
		Clock:     fs.clock,
		Logger:    options.Logger,
		ApplyLock: &fs.applyLock,
	}
	allocOptions := alloc.Options{
		AllowDoubleFree: options.AllowDoubleFree,
		Logger:          options.Logger,
	}
	securityOptions := security.Options{
		Disabled:         !sb.Features.Has(FeatureSecurity),
		NoRootBypass:     options.NoRootBypass,
		Sink:             options.AuditSink,
		AuditDenialsOnly: options.AuditDenialsOnly,
		Clock:            fs.clock,
		Logger:           options.Logger,
	}
	if fs.metrics != nil {
		journalOptions.Observer = fs.metrics
		allocOptions.Observer = fs.metrics
		securityOptions.Observer = fs.metrics
	}

	fs.journalOptions = journalOptions
	fs.journal, err = journal.Open(
		dev,
		geo.JournalStart,
		geo.JournalBlocks,
		&fs.journalOptions,
	)
	if err != nil {
		if sb.State != StateError {
			if errors.Is(err, JournalCorruptErr) {
				return nil, fs.persistError(err)
			}
			return nil, err
		}
		// an error-state volume is still readable; Repair rebuilds the
		// journal
		fs.logger.Error("opening journal", "err", err.Error())
		fs.journal = nil
	}

	fs.alloc = alloc.New(&fs.geo, &fs.counters, &allocOptions)
	fs.table = inode.NewTable(&fs.geo)
	fs.addr = inode.NewAddresser(&fs.geo, fs.alloc)
	fs.dirs = directory.New(&fs.geo, fs.addr)
	fs.security = security.New(&securityOptions)
	return &fs, nil
}

// recover replays the journal unless the volume is in the error state.
func (fs *FileSystem) recover() error {
	if fs.sb.State == StateError || fs.journal == nil {
		fs.logger.Warn("volume is in the error state; mounting read-only")
		return nil
	}
	scan, err := fs.journal.Recover()
	if err != nil {
		if errors.Is(err, JournalCorruptErr) {
			return fs.persistError(err)
		}
		return err
	}
	if len(scan.Transactions) > 0 || scan.Discarded > 0 {
		fs.logger.Info(
			"recovered journal",
			"transactions", len(scan.Transactions),
			"entries", scan.Entries(),
			"discarded", scan.Discarded,
		)
	}
	return nil
}

// persistError writes the error state straight to block 0, bypassing the
// journal it can no longer trust, and returns `cause`.
func (fs *FileSystem) persistError(cause error) error {
	fs.logger.Error("persisting error state", "err", cause.Error())
	fs.sbLock.Lock()
	fs.sb.State = StateError
	b := make([]byte, fs.geo.BlockSize)
	encode.EncodeSuperblock(&fs.sb, b)
	fs.sbLock.Unlock()

	if err := fs.dev.WriteBlock(0, b); err != nil {
		return multierror.Append(cause, err)
	}
	if err := fs.dev.Sync(); err != nil {
		return multierror.Append(cause, err)
	}
	return cause
}

// loadCounters recomputes the free counts from the bitmaps and repairs the
// superblock's copy when they disagree.
func (fs *FileSystem) loadCounters() error {
	census, err := alloc.TakeCensus(fs.dev, &fs.geo)
	if err != nil {
		return err
	}
	fs.alloc.Load(&census)

	freeBlocks := census.FreeBlocks(&fs.geo)
	freeInodes := census.FreeInodes(&fs.geo)
	fs.sbLock.Lock()
	if fs.sb.FreeBlocks != freeBlocks || fs.sb.FreeInodes != freeInodes {
		fs.logger.Warn(
			"repairing superblock counters",
			"recordedFreeBlocks", fs.sb.FreeBlocks,
			"freeBlocks", freeBlocks,
			"recordedFreeInodes", fs.sb.FreeInodes,
			"freeInodes", freeInodes,
		)
		fs.sb.FreeBlocks, fs.sb.FreeInodes = freeBlocks, freeInodes
	}
	fs.sbLock.Unlock()
	fs.counters.Set(freeBlocks, freeInodes)
	if len(census.UnmarkedMetadata) > 0 {
		fs.logger.Warn(
			"metadata blocks marked free",
			"count", len(census.UnmarkedMetadata),
		)
	}
	fs.publishFree()
	if fs.metrics != nil {
		fs.metrics.setReadOnly(fs.readOnly.Load())
	}
	return nil
}

// markMounted bumps the mount count and marks the volume dirty.
func (fs *FileSystem) markMounted() error {
	fs.txnLock.Lock()
	defer fs.txnLock.Unlock()

	fs.sbLock.Lock()
	mountCount, state, lastMount := fs.sb.MountCount, fs.sb.State, fs.sb.LastMount
	fs.sbLock.Unlock()

	// a failed commit entry leaves the rollback hooks unrun, so restore here
	if err := fs.commit(func(tx *journal.Txn) error {
		fs.sbLock.Lock()
		defer fs.sbLock.Unlock()
		fs.sb.MountCount++
		fs.sb.State = StateDirty
		fs.sb.LastMount = uint64(fs.clock.Now().Unix())
		if fs.sb.MaxMountCount > 0 &&
			fs.sb.MountCount > uint32(fs.sb.MaxMountCount) {
			fs.logger.Warn(
				"mount count exceeds maximum; check the volume",
				"mountCount", fs.sb.MountCount,
				"maxMountCount", fs.sb.MaxMountCount,
			)
		}
		return nil
	}); err != nil {
		fs.sbLock.Lock()
		fs.sb.MountCount, fs.sb.State, fs.sb.LastMount = mountCount, state, lastMount
		fs.sbLock.Unlock()
		return err
	}
	return nil
}

// Unmount marks the volume clean and syncs the device. The device is not
// closed; it belongs to the caller, and it is free to be mounted again even
// when Unmount fails.
func (fs *FileSystem) Unmount() error {
	if !fs.mounted.CompareAndSwap(true, false) {
		return fmt.Errorf("unmounting: %w", NotMountedErr)
	}
	defer mountedDevices.Delete(fs.base)

	// wait for the operation in flight
	fs.txnLock.Lock()
	defer fs.txnLock.Unlock()

	var result error
	if !fs.readOnly.Load() {
		fs.sbLock.Lock()
		state := fs.sb.State
		fs.sbLock.Unlock()
		if err := fs.commit(func(tx *journal.Txn) error {
			fs.sbLock.Lock()
			fs.sb.State = StateClean
			fs.sbLock.Unlock()
			return nil
		}); err != nil {
			fs.sbLock.Lock()
			fs.sb.State = state
			fs.sbLock.Unlock()
			result = multierror.Append(
				result,
				fmt.Errorf("marking volume clean: %w", err),
			)
		}
	}
	if err := fs.dev.Sync(); err != nil {
		result = multierror.Append(result, fmt.Errorf("syncing: %w", err))
	}
	if result != nil {
		return fmt.Errorf("unmounting: %w", result)
	}
	fs.logger.Info("unmounted")
	return nil
}

// Stats summarize the volume.
type Stats struct {
	BlockSize     Byte
	Blocks        uint64
	FreeBlocks    uint64
	Inodes        uint64
	FreeInodes    uint64
	Groups        uint64
	JournalBlocks uint64
	MountCount    uint32
	MaxMountCount uint16
	State         State
	Features      Features
	UUID          [16]byte
	ReadOnly      bool
}

func (fs *FileSystem) Stats() (Stats, error) {
	if err := fs.checkMounted(); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	freeBlocks, freeInodes := fs.counters.Snapshot()
	fs.sbLock.Lock()
	defer fs.sbLock.Unlock()
	return Stats{
		BlockSize:     fs.geo.BlockSize,
		Blocks:        fs.geo.BlockCount,
		FreeBlocks:    freeBlocks,
		Inodes:        fs.geo.InodeCount(),
		FreeInodes:    freeInodes,
		Groups:        fs.geo.Groups,
		JournalBlocks: fs.geo.JournalBlocks,
		MountCount:    fs.sb.MountCount,
		MaxMountCount: fs.sb.MaxMountCount,
		State:         fs.sb.State,
		Features:      fs.sb.Features,
		UUID:          fs.sb.UUID,
		ReadOnly:      fs.readOnly.Load(),
	}, nil
}

func (fs *FileSystem) checkMounted() error {
	if !fs.mounted.Load() {
		return NotMountedErr
	}
	return nil
}

func (fs *FileSystem) checkWritable() error {
	if err := fs.checkMounted(); err != nil {
		return err
	}
	if fs.readOnly.Load() {
		return ReadOnlyErr
	}
	return nil
}

// update runs `fn` in a new transaction under the transaction lock and
// commits it along with the superblock.
func (fs *FileSystem) update(fn func(tx *journal.Txn) error) error {
	fs.txnLock.Lock()
	defer fs.txnLock.Unlock()
	// checked under the lock so nothing commits after Unmount took it
	if err := fs.checkWritable(); err != nil {
		return err
	}
	return fs.commit(fn)
}

// commit must be called with the transaction lock held.
func (fs *FileSystem) commit(fn func(tx *journal.Txn) error) error {
	tx := fs.journal.Begin()

	// staged first so `tx.Fits` accounts for it
	if _, err := tx.Block(0); err != nil {
		tx.Rollback()
		return fmt.Errorf("staging superblock: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := fs.stageSuperblock(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		if broken := fs.journal.Broken(); broken != nil {
			fs.enterReadOnly(broken)
		}
		return err
	}
	fs.publishFree()
	return nil
}

func (fs *FileSystem) stageSuperblock(tx journal.Stager) error {
	b, err := tx.Block(0)
	if err != nil {
		return fmt.Errorf("staging superblock: %w", err)
	}
	fs.sbLock.Lock()
	defer fs.sbLock.Unlock()
	fs.sb.FreeBlocks, fs.sb.FreeInodes = fs.counters.Snapshot()
	encode.EncodeSuperblock(&fs.sb, b)
	return nil
}

// enterReadOnly stops all further mutation after a commit failed past the
// point where it could be rolled back. The next mount recovers the journal.
func (fs *FileSystem) enterReadOnly(cause error) {
	if fs.readOnly.Swap(true) {
		return
	}
	fs.logger.Error(
		"journal needs recovery; remounting read-only",
		"err", cause.Error(),
	)
	if fs.metrics != nil {
		fs.metrics.setReadOnly(true)
	}
}

// view runs `fn` with reads of committed state.
func (fs *FileSystem) view(fn func(r BlockReader) error) error {
	if err := fs.checkMounted(); err != nil {
		return err
	}
	fs.applyLock.RLock()
	defer fs.applyLock.RUnlock()
	return fn(fs.dev)
}

func (fs *FileSystem) publishFree() {
	if fs.metrics != nil {
		fs.metrics.setFree(fs.counters.Snapshot())
	}
}

func (fs *FileSystem) now() uint64 { return uint64(fs.clock.Now().Unix()) }

func (fs *FileSystem) generation(dir Ino) uint64 {
	fs.genLock.Lock()
	defer fs.genLock.Unlock()
	return fs.generations[dir]
}

// touchDir invalidates listings of `dir` once `tx` commits.
func (fs *FileSystem) touchDir(tx journal.Stager, dir Ino) {
	tx.OnCommit(func() {
		fs.genLock.Lock()
		fs.generations[dir]++
		fs.genLock.Unlock()
	})
}

// readInode reads a live inode; a free record is `NotFoundErr`.
func (fs *FileSystem) readInode(r BlockReader, ino Ino, node *Inode) error {
	if err := fs.table.Read(r, ino, node); err != nil {
		if errors.Is(err, superblock.InvalidInoErr) {
			return fmt.Errorf("reading inode `%d`: %w", ino, NotFoundErr)
		}
		return err
	}
	if node.Mode == 0 {
		return fmt.Errorf("reading inode `%d`: %w", ino, NotFoundErr)
	}
	return nil
}

// readDir reads a live directory inode.
func (fs *FileSystem) readDir(r BlockReader, ino Ino, node *Inode) error {
	if err := fs.readInode(r, ino, node); err != nil {
		return err
	}
	if !node.IsDir() {
		return fmt.Errorf("inode `%d`: %w", ino, NotADirErr)
	}
	return nil
}

func (fs *FileSystem) authorize(
	ctx context.Context,
	cred security.Cred,
	node *Inode,
	op security.Op,
) error {
	return fs.security.Check(ctx, cred, node, op)
}
