package encode

import (
	"fmt"

	. "github.com/weberc2/mfs/pkg/types"
)

func EncodeInode(inode *Inode, b []byte) {
	PutU16(b, inodeModeStart, uint16(inode.Mode))
	PutU16(b, inodeUIDStart, inode.UID)
	PutU16(b, inodeGIDStart, inode.GID)
	PutU64(b, inodeSizeStart, uint64(inode.Size))
	PutU16(b, inodeLinksCountStart, inode.LinksCount)
	PutU64(b, inodeAtimeStart, inode.Atime)
	PutU64(b, inodeMtimeStart, inode.Mtime)
	PutU64(b, inodeCtimeStart, inode.Ctime)

	for i := Byte(0); i < DirectBlocksCount; i++ {
		putBlock(
			b,
			inodeDirectBlocksStart+i*BlockPointerSize,
			inode.DirectBlocks[i],
		)
	}

	putBlock(b, inodeSinglyIndStart, inode.SinglyIndirect)
	putBlock(b, inodeDoublyIndStart, inode.DoublyIndirect)
	putBlock(b, inodeTriplyIndStart, inode.TriplyIndirect)
	PutU32(b, inodeFlagsStart, inode.Flags)
	PutU64(b, inodeAuditIDStart, inode.AuditID)

	for i := inodeAuditIDEnd; i < InodeSize; i++ {
		b[i] = 0
	}
}

// DecodeInode decodes an inode record. A record whose mode is zero is an
// unused slot and decodes without error; any other mode must carry a valid
// file type.
func DecodeInode(inode *Inode, b []byte) error {
	// store this in a temporary until we've validated it; we strongly prefer
	// to avoid mutating the `inode` pointee until we're sure that no errors
	// will be returned.
	mode := Mode(GetU16(b, inodeModeStart))
	if mode != 0 {
		if err := mode.FileType().Validate(); err != nil {
			return fmt.Errorf("decoding inode: %w", err)
		}
	}

	inode.Mode = mode
	inode.UID = GetU16(b, inodeUIDStart)
	inode.GID = GetU16(b, inodeGIDStart)
	inode.Size = Byte(GetU64(b, inodeSizeStart))
	inode.LinksCount = GetU16(b, inodeLinksCountStart)
	inode.Atime = GetU64(b, inodeAtimeStart)
	inode.Mtime = GetU64(b, inodeMtimeStart)
	inode.Ctime = GetU64(b, inodeCtimeStart)

	for i := Byte(0); i < DirectBlocksCount; i++ {
		inode.DirectBlocks[i] = getBlock(
			b,
			inodeDirectBlocksStart+i*BlockPointerSize,
		)
	}

	inode.SinglyIndirect = getBlock(b, inodeSinglyIndStart)
	inode.DoublyIndirect = getBlock(b, inodeDoublyIndStart)
	inode.TriplyIndirect = getBlock(b, inodeTriplyIndStart)
	inode.Flags = GetU32(b, inodeFlagsStart)
	inode.AuditID = GetU64(b, inodeAuditIDStart)
	return nil
}

const (
	inodeModeStart = 0
	inodeModeSize  = 2
	inodeModeEnd   = inodeModeStart + inodeModeSize

	inodeUIDStart = inodeModeEnd
	inodeUIDSize  = 2
	inodeUIDEnd   = inodeUIDStart + inodeUIDSize

	inodeGIDStart = inodeUIDEnd
	inodeGIDSize  = 2
	inodeGIDEnd   = inodeGIDStart + inodeGIDSize

	inodeSizeStart = inodeGIDEnd
	inodeSizeSize  = 8
	inodeSizeEnd   = inodeSizeStart + inodeSizeSize

	inodeLinksCountStart = inodeSizeEnd
	inodeLinksCountSize  = 2
	inodeLinksCountEnd   = inodeLinksCountStart + inodeLinksCountSize

	inodeAtimeStart = inodeLinksCountEnd
	inodeAtimeSize  = 8
	inodeAtimeEnd   = inodeAtimeStart + inodeAtimeSize

	inodeMtimeStart = inodeAtimeEnd
	inodeMtimeSize  = 8
	inodeMtimeEnd   = inodeMtimeStart + inodeMtimeSize

	inodeCtimeStart = inodeMtimeEnd
	inodeCtimeSize  = 8
	inodeCtimeEnd   = inodeCtimeStart + inodeCtimeSize

	inodeDirectBlocksStart = inodeCtimeEnd
	inodeDirectBlocksSize  = DirectBlocksCount * BlockPointerSize
	inodeDirectBlocksEnd   = inodeDirectBlocksStart + inodeDirectBlocksSize

	inodeSinglyIndStart = inodeDirectBlocksEnd
	inodeSinglyIndSize  = BlockPointerSize
	inodeSinglyIndEnd   = inodeSinglyIndStart + inodeSinglyIndSize

	inodeDoublyIndStart = inodeSinglyIndEnd
	inodeDoublyIndSize  = BlockPointerSize
	inodeDoublyIndEnd   = inodeDoublyIndStart + inodeDoublyIndSize

	inodeTriplyIndStart = inodeDoublyIndEnd
	inodeTriplyIndSize  = BlockPointerSize
	inodeTriplyIndEnd   = inodeTriplyIndStart + inodeTriplyIndSize

	inodeFlagsStart = inodeTriplyIndEnd
	inodeFlagsSize  = 4
	inodeFlagsEnd   = inodeFlagsStart + inodeFlagsSize

	inodeAuditIDStart = inodeFlagsEnd
	inodeAuditIDSize  = 8
	inodeAuditIDEnd   = inodeAuditIDStart + inodeAuditIDSize
)
