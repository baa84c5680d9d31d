package journal

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/weberc2/mfs/pkg/encode"
	. "github.com/weberc2/mfs/pkg/types"
)

const (
	headerMagic   uint32 = 0x4D464A48
	headerVersion uint16 = 1
	entryMagic    uint32 = 0x4D46534A

	headerFlagChecksums uint16 = 1 << 0

	// a slot is a descriptor block followed by a payload block
	blocksPerSlot = 2

	// MinBlocks is the smallest usable journal: the header plus one slot.
	MinBlocks uint64 = 1 + blocksPerSlot
)

// header is the first block of the journal region. Everything before
// `TailSlot`/`TailSeq` has been checkpointed.
type header struct {
	Flags    uint16
	TailSlot uint64
	TailSeq  uint64
}

const (
	headerMagicStart = 0
	headerMagicSize  = 4
	headerMagicEnd   = headerMagicStart + headerMagicSize

	headerVersionStart = headerMagicEnd
	headerVersionSize  = 2
	headerVersionEnd   = headerVersionStart + headerVersionSize

	headerFlagsStart = headerVersionEnd
	headerFlagsSize  = 2
	headerFlagsEnd   = headerFlagsStart + headerFlagsSize

	headerTailSlotStart = headerFlagsEnd
	headerTailSlotSize  = 8
	headerTailSlotEnd   = headerTailSlotStart + headerTailSlotSize

	headerTailSeqStart = headerTailSlotEnd
)

func encodeHeader(h *header, b []byte) {
	for i := range b {
		b[i] = 0
	}
	encode.PutU32(b, headerMagicStart, headerMagic)
	encode.PutU16(b, headerVersionStart, headerVersion)
	encode.PutU16(b, headerFlagsStart, h.Flags)
	encode.PutU64(b, headerTailSlotStart, h.TailSlot)
	encode.PutU64(b, headerTailSeqStart, h.TailSeq)
}

func decodeHeader(h *header, b []byte) error {
	if magic := encode.GetU32(b, headerMagicStart); magic != headerMagic {
		return fmt.Errorf(
			"decoding journal header: bad magic `%#x`: %w",
			magic,
			JournalCorruptErr,
		)
	}
	if v := encode.GetU16(b, headerVersionStart); v != headerVersion {
		return fmt.Errorf(
			"decoding journal header: unsupported version `%d`: %w",
			v,
			JournalCorruptErr,
		)
	}
	h.Flags = encode.GetU16(b, headerFlagsStart)
	h.TailSlot = encode.GetU64(b, headerTailSlotStart)
	h.TailSeq = encode.GetU64(b, headerTailSeqStart)
	return nil
}

// descriptor is the fixed part of a journal entry. The entry's payload
// occupies the block after it.
type descriptor struct {
	Seq       uint64
	Target    Block
	Timestamp uint64
	Commit    bool
	Magic     uint32
	Checksum  [blake2b.Size256]byte
}

const (
	descSeqStart = 0
	descSeqSize  = 8
	descSeqEnd   = descSeqStart + descSeqSize

	descTargetStart = descSeqEnd
	descTargetSize  = 8
	descTargetEnd   = descTargetStart + descTargetSize

	descTimestampStart = descTargetEnd
	descTimestampSize  = 8
	descTimestampEnd   = descTimestampStart + descTimestampSize

	descCommitStart = descTimestampEnd
	descCommitSize  = 1
	descCommitEnd   = descCommitStart + descCommitSize

	// bytes 25..28 are padding
	descMagicStart = 28
	descMagicSize  = 4
	descMagicEnd   = descMagicStart + descMagicSize

	descChecksumStart = descMagicEnd
	descChecksumEnd   = descChecksumStart + blake2b.Size256
)

func encodeDescriptor(d *descriptor, b []byte) {
	for i := range b {
		b[i] = 0
	}
	encode.PutU64(b, descSeqStart, d.Seq)
	encode.PutU64(b, descTargetStart, uint64(d.Target))
	encode.PutU64(b, descTimestampStart, d.Timestamp)
	if d.Commit {
		encode.PutU8(b, descCommitStart, 1)
	}
	encode.PutU32(b, descMagicStart, entryMagic)
	copy(b[descChecksumStart:descChecksumEnd], d.Checksum[:])
}

func decodeDescriptor(d *descriptor, b []byte) {
	d.Seq = encode.GetU64(b, descSeqStart)
	d.Target = Block(encode.GetU64(b, descTargetStart))
	d.Timestamp = encode.GetU64(b, descTimestampStart)
	d.Commit = encode.GetU8(b, descCommitStart) != 0
	d.Magic = encode.GetU32(b, descMagicStart)
	copy(d.Checksum[:], b[descChecksumStart:descChecksumEnd])
}

// checksum covers the descriptor's fields (everything before the checksum)
// and the payload.
func checksum(desc []byte, payload []byte) [blake2b.Size256]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for oversized keys
		panic(err)
	}
	h.Write(desc[:descMagicEnd])
	h.Write(payload)
	var out [blake2b.Size256]byte
	copy(out[:], h.Sum(nil))
	return out
}
