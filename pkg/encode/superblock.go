package encode

import (
	"fmt"

	. "github.com/weberc2/mfs/pkg/types"
)

const (
	superblockMagicStart = 0
	superblockMagicSize  = 4
	superblockMagicEnd   = superblockMagicStart + superblockMagicSize

	superblockVersionStart = superblockMagicEnd
	superblockVersionSize  = 2
	superblockVersionEnd   = superblockVersionStart + superblockVersionSize

	superblockBlockSizeStart = superblockVersionEnd
	superblockBlockSizeSize  = 4
	superblockBlockSizeEnd   = superblockBlockSizeStart + superblockBlockSizeSize

	superblockBlockCountStart = superblockBlockSizeEnd
	superblockBlockCountSize  = 8
	superblockBlockCountEnd   = superblockBlockCountStart + superblockBlockCountSize

	superblockFreeBlocksStart = superblockBlockCountEnd
	superblockFreeBlocksSize  = 8
	superblockFreeBlocksEnd   = superblockFreeBlocksStart + superblockFreeBlocksSize

	superblockInodeCountStart = superblockFreeBlocksEnd
	superblockInodeCountSize  = 8
	superblockInodeCountEnd   = superblockInodeCountStart + superblockInodeCountSize

	superblockFreeInodesStart = superblockInodeCountEnd
	superblockFreeInodesSize  = 8
	superblockFreeInodesEnd   = superblockFreeInodesStart + superblockFreeInodesSize

	superblockBlocksPerGroupStart = superblockFreeInodesEnd
	superblockBlocksPerGroupSize  = 4
	superblockBlocksPerGroupEnd   = superblockBlocksPerGroupStart + superblockBlocksPerGroupSize

	superblockJournalStartStart = superblockBlocksPerGroupEnd
	superblockJournalStartSize  = 8
	superblockJournalStartEnd   = superblockJournalStartStart + superblockJournalStartSize

	superblockJournalBlocksStart = superblockJournalStartEnd
	superblockJournalBlocksSize  = 8
	superblockJournalBlocksEnd   = superblockJournalBlocksStart + superblockJournalBlocksSize

	superblockFeaturesStart = superblockJournalBlocksEnd
	superblockFeaturesSize  = 4
	superblockFeaturesEnd   = superblockFeaturesStart + superblockFeaturesSize

	superblockMountCountStart = superblockFeaturesEnd
	superblockMountCountSize  = 4
	superblockMountCountEnd   = superblockMountCountStart + superblockMountCountSize

	superblockStateStart = superblockMountCountEnd
	superblockStateSize  = 1
	superblockStateEnd   = superblockStateStart + superblockStateSize

	// extension fields; byte 71 is padding
	superblockUUIDStart = 72
	superblockUUIDSize  = 16
	superblockUUIDEnd   = superblockUUIDStart + superblockUUIDSize

	superblockCreatedStart = superblockUUIDEnd
	superblockCreatedSize  = 8
	superblockCreatedEnd   = superblockCreatedStart + superblockCreatedSize

	superblockLastMountStart = superblockCreatedEnd
	superblockLastMountSize  = 8
	superblockLastMountEnd   = superblockLastMountStart + superblockLastMountSize

	superblockInodesPerGroupStart = superblockLastMountEnd
	superblockInodesPerGroupSize  = 4
	superblockInodesPerGroupEnd   = superblockInodesPerGroupStart + superblockInodesPerGroupSize

	superblockMaxMountCountStart = superblockInodesPerGroupEnd
	superblockMaxMountCountSize  = 2
	superblockMaxMountCountEnd   = superblockMaxMountCountStart + superblockMaxMountCountSize
)

func init() {
	if superblockStateEnd != 71 || superblockMaxMountCountEnd != SuperblockSize {
		panic(fmt.Sprintf(
			"superblock layout drifted: state ends at `%d`, record at `%d`",
			superblockStateEnd,
			superblockMaxMountCountEnd,
		))
	}
}

// EncodeSuperblock writes `sb` into the first `SuperblockSize` bytes of `b`.
// The magic and version are always written from the constants.
func EncodeSuperblock(sb *Superblock, b []byte) {
	PutU32(b, superblockMagicStart, SuperblockMagic)
	PutU16(b, superblockVersionStart, SuperblockVersion)
	PutU32(b, superblockBlockSizeStart, uint32(sb.BlockSize))
	PutU64(b, superblockBlockCountStart, sb.BlockCount)
	PutU64(b, superblockFreeBlocksStart, sb.FreeBlocks)
	PutU64(b, superblockInodeCountStart, sb.InodeCount)
	PutU64(b, superblockFreeInodesStart, sb.FreeInodes)
	PutU32(b, superblockBlocksPerGroupStart, uint32(sb.BlocksPerGroup))
	PutU64(b, superblockJournalStartStart, uint64(sb.JournalStart))
	PutU64(b, superblockJournalBlocksStart, sb.JournalBlocks)
	PutU32(b, superblockFeaturesStart, uint32(sb.Features))
	PutU32(b, superblockMountCountStart, sb.MountCount)
	PutU8(b, superblockStateStart, uint8(sb.State))
	b[superblockStateEnd] = 0
	copy(b[superblockUUIDStart:superblockUUIDEnd], sb.UUID[:])
	PutU64(b, superblockCreatedStart, sb.Created)
	PutU64(b, superblockLastMountStart, sb.LastMount)
	PutU32(b, superblockInodesPerGroupStart, uint32(sb.InodesPerGroup))
	PutU16(b, superblockMaxMountCountStart, sb.MaxMountCount)
}

// DecodeSuperblock reads a superblock from `b`. It fails with
// `CorruptSuperblockErr` when the magic or version do not match; other
// validation is left to the caller.
func DecodeSuperblock(sb *Superblock, b []byte) error {
	if Byte(len(b)) < SuperblockSize {
		return fmt.Errorf(
			"decoding superblock: buffer of `%d` bytes: %w",
			len(b),
			CorruptSuperblockErr,
		)
	}

	magic := GetU32(b, superblockMagicStart)
	if magic != SuperblockMagic {
		return fmt.Errorf(
			"decoding superblock: bad magic `%#x`: %w",
			magic,
			CorruptSuperblockErr,
		)
	}

	version := GetU16(b, superblockVersionStart)
	if version != SuperblockVersion {
		return fmt.Errorf(
			"decoding superblock: unsupported version `%d`: %w",
			version,
			CorruptSuperblockErr,
		)
	}

	sb.Magic = magic
	sb.Version = version
	sb.BlockSize = Byte(GetU32(b, superblockBlockSizeStart))
	sb.BlockCount = GetU64(b, superblockBlockCountStart)
	sb.FreeBlocks = GetU64(b, superblockFreeBlocksStart)
	sb.InodeCount = GetU64(b, superblockInodeCountStart)
	sb.FreeInodes = GetU64(b, superblockFreeInodesStart)
	sb.BlocksPerGroup = uint64(GetU32(b, superblockBlocksPerGroupStart))
	sb.JournalStart = Block(GetU64(b, superblockJournalStartStart))
	sb.JournalBlocks = GetU64(b, superblockJournalBlocksStart)
	sb.Features = Features(GetU32(b, superblockFeaturesStart))
	sb.MountCount = GetU32(b, superblockMountCountStart)
	sb.State = State(GetU8(b, superblockStateStart))
	copy(sb.UUID[:], b[superblockUUIDStart:superblockUUIDEnd])
	sb.Created = GetU64(b, superblockCreatedStart)
	sb.LastMount = GetU64(b, superblockLastMountStart)
	sb.InodesPerGroup = uint64(GetU32(b, superblockInodesPerGroupStart))
	sb.MaxMountCount = GetU16(b, superblockMaxMountCountStart)
	return nil
}
