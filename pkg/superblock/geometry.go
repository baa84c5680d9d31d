// Package superblock holds the filesystem-wide record and the group layout
// derived from it.
package superblock

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/math"
	. "github.com/weberc2/mfs/pkg/types"
)

const (
	// bytesPerInode is the default inode density: one inode per 16KiB of
	// group space.
	bytesPerInode Byte = 16 * 1024

	minJournalBlocks     uint64 = 32
	maxJournalBlocks     uint64 = 2048
	journalBlocksDivisor uint64 = 64

	// MinDataBlocks is how many data blocks group 0 must have left over
	// after its metadata: the root directory plus one block to write into.
	MinDataBlocks uint64 = 2

	// groupBitmapBlocks is the block bitmap plus the inode bitmap.
	groupBitmapBlocks uint64 = 2
)

// Geometry is the block layout of a volume. Group g spans
// [g*BlocksPerGroup, (g+1)*BlocksPerGroup). Its metadata starts at the group
// base, except in group 0 where it follows the superblock and the journal:
// block bitmap, inode bitmap, inode table. The rest of the group is data.
type Geometry struct {
	BlockSize        Byte
	BlockCount       uint64
	BlocksPerGroup   uint64
	Groups           uint64
	InodesPerGroup   uint64
	InodeTableBlocks uint64
	JournalStart     Block
	JournalBlocks    uint64
}

// Plan lays out a fresh volume. Zero `journalBlocks` or `inodesPerGroup`
// pick the defaults. A trailing group too small to hold its own metadata and
// a data block is dropped. Fails with `FormatErr` when the volume can't hold
// the minimum structures.
func Plan(
	blockSize Byte,
	blockCount uint64,
	journalBlocks uint64,
	inodesPerGroup uint64,
) (Geometry, error) {
	if !ValidBlockSize(blockSize) {
		return Geometry{}, fmt.Errorf(
			"planning volume: block size `%d`: %w",
			blockSize,
			FormatErr,
		)
	}

	if journalBlocks == 0 {
		journalBlocks = math.Clamp(
			blockCount/journalBlocksDivisor,
			minJournalBlocks,
			maxJournalBlocks,
		)
	}

	inodesPerBlock := uint64(blockSize / InodeSize)
	if inodesPerGroup == 0 {
		inodesPerGroup = BlocksPerGroup * uint64(blockSize) /
			uint64(bytesPerInode)
	}
	inodesPerGroup = math.Clamp(
		math.AlignUp(inodesPerGroup, inodesPerBlock),
		inodesPerBlock,
		uint64(blockSize)*8,
	)

	g := Geometry{
		BlockSize:      blockSize,
		BlockCount:     blockCount,
		BlocksPerGroup: BlocksPerGroup,
		InodesPerGroup: inodesPerGroup,
		InodeTableBlocks: math.DivRoundUp(
			inodesPerGroup*uint64(InodeSize),
			uint64(blockSize),
		),
		JournalStart:  1,
		JournalBlocks: journalBlocks,
	}
	g.Groups = math.DivRoundUp(blockCount, g.BlocksPerGroup)

	if g.Groups == 0 || g.GroupSize(0) < g.MetaBlocks(0)+MinDataBlocks {
		return Geometry{}, fmt.Errorf(
			"planning volume of `%d` blocks: group 0 needs `%d` blocks: %w",
			blockCount,
			g.MetaBlocks(0)+MinDataBlocks,
			FormatErr,
		)
	}

	if last := g.Groups - 1; last > 0 && g.GroupSize(last) <= g.MetaBlocks(last) {
		g.Groups--
		g.BlockCount = g.Groups * g.BlocksPerGroup
	}

	return g, nil
}

// FromSuperblock derives the geometry recorded in `sb`, failing with
// `CorruptSuperblockErr` when the record is inconsistent with itself.
func FromSuperblock(sb *Superblock) (Geometry, error) {
	g := Geometry{
		BlockSize:      sb.BlockSize,
		BlockCount:     sb.BlockCount,
		BlocksPerGroup: sb.BlocksPerGroup,
		InodesPerGroup: sb.InodesPerGroup,
		JournalStart:   sb.JournalStart,
		JournalBlocks:  sb.JournalBlocks,
	}

	if err := func() error {
		if !ValidBlockSize(g.BlockSize) {
			return fmt.Errorf("block size `%d`", g.BlockSize)
		}
		if g.BlocksPerGroup != BlocksPerGroup {
			return fmt.Errorf("blocks per group `%d`", g.BlocksPerGroup)
		}
		if g.InodesPerGroup == 0 || g.InodesPerGroup > uint64(g.BlockSize)*8 {
			return fmt.Errorf("inodes per group `%d`", g.InodesPerGroup)
		}
		if sb.FreeBlocks > sb.BlockCount {
			return fmt.Errorf(
				"free blocks `%d` exceed block count `%d`",
				sb.FreeBlocks,
				sb.BlockCount,
			)
		}
		if sb.FreeInodes > sb.InodeCount {
			return fmt.Errorf(
				"free inodes `%d` exceed inode count `%d`",
				sb.FreeInodes,
				sb.InodeCount,
			)
		}
		if g.JournalStart != 1 {
			return fmt.Errorf("journal start `%d`", g.JournalStart)
		}

		g.Groups = math.DivRoundUp(g.BlockCount, g.BlocksPerGroup)
		g.InodeTableBlocks = math.DivRoundUp(
			g.InodesPerGroup*uint64(InodeSize),
			uint64(g.BlockSize),
		)
		if g.Groups == 0 {
			return fmt.Errorf("block count `%d`", g.BlockCount)
		}
		if sb.InodeCount != g.Groups*g.InodesPerGroup {
			return fmt.Errorf(
				"inode count `%d` for `%d` groups of `%d`",
				sb.InodeCount,
				g.Groups,
				g.InodesPerGroup,
			)
		}
		for group := uint64(0); group < g.Groups; group++ {
			if g.MetaBlocks(group) >= g.GroupSize(group) {
				return fmt.Errorf("group `%d` has no data blocks", group)
			}
		}
		return nil
	}(); err != nil {
		return Geometry{}, fmt.Errorf(
			"validating superblock: %v: %w",
			err,
			CorruptSuperblockErr,
		)
	}

	return g, nil
}

func (g *Geometry) PointersPerBlock() uint64 {
	return uint64(g.BlockSize / BlockPointerSize)
}

func (g *Geometry) InodesPerBlock() uint64 {
	return uint64(g.BlockSize / InodeSize)
}

func (g *Geometry) InodeCount() uint64 {
	return g.Groups * g.InodesPerGroup
}

func (g *Geometry) GroupBase(group uint64) Block {
	return Block(group * g.BlocksPerGroup)
}

// GroupSize is the number of blocks in `group`; only the last group can be
// short.
func (g *Geometry) GroupSize(group uint64) uint64 {
	return math.Min(g.BlocksPerGroup, g.BlockCount-uint64(g.GroupBase(group)))
}

func (g *Geometry) GroupOf(block Block) uint64 {
	return uint64(block) / g.BlocksPerGroup
}

func (g *Geometry) MetaStart(group uint64) Block {
	if group == 0 {
		return g.JournalStart + Block(g.JournalBlocks)
	}
	return g.GroupBase(group)
}

func (g *Geometry) BlockBitmap(group uint64) Block {
	return g.MetaStart(group)
}

func (g *Geometry) InodeBitmap(group uint64) Block {
	return g.MetaStart(group) + 1
}

func (g *Geometry) InodeTable(group uint64) Block {
	return g.MetaStart(group) + Block(groupBitmapBlocks)
}

func (g *Geometry) DataStart(group uint64) Block {
	return g.InodeTable(group) + Block(g.InodeTableBlocks)
}

// MetaBlocks is the number of blocks at the start of `group` that are never
// handed out: for group 0 that includes the superblock and the journal.
func (g *Geometry) MetaBlocks(group uint64) uint64 {
	return uint64(g.DataStart(group) - g.GroupBase(group))
}

// IsMetadata reports whether `block` is fixed metadata (superblock, journal,
// bitmaps or inode tables).
func (g *Geometry) IsMetadata(block Block) bool {
	return block < g.DataStart(g.GroupOf(block))
}

func (g *Geometry) GroupOfIno(ino Ino) uint64 {
	return uint64(ino-1) / g.InodesPerGroup
}

// InodeLocation returns the inode table block holding `ino` and the record's
// byte offset inside it.
func (g *Geometry) InodeLocation(ino Ino) (Block, Byte, error) {
	if ino == InoNil || uint64(ino) > g.InodeCount() {
		return BlockNil, 0, fmt.Errorf(
			"locating inode `%d` of `%d`: %w",
			ino,
			g.InodeCount(),
			InvalidInoErr,
		)
	}
	index := uint64(ino - 1)
	group := index / g.InodesPerGroup
	local := index % g.InodesPerGroup
	block := g.InodeTable(group) + Block(local/g.InodesPerBlock())
	offset := Byte(local%g.InodesPerBlock()) * InodeSize
	return block, offset, nil
}

// Ino returns the inode id for slot `local` of `group`.
func (g *Geometry) Ino(group, local uint64) Ino {
	return Ino(group*g.InodesPerGroup + local + 1)
}

const InvalidInoErr ConstError = "invalid inode number"
