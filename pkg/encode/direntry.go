package encode

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/math"
	. "github.com/weberc2/mfs/pkg/types"
)

const (
	dirEntryInoStart = 0
	dirEntryInoSize  = 4
	dirEntryInoEnd   = dirEntryInoStart + dirEntryInoSize

	DirEntryRecLenStart = dirEntryInoEnd
	dirEntryRecLenSize  = 2
	dirEntryRecLenEnd   = DirEntryRecLenStart + dirEntryRecLenSize

	dirEntryNameLenStart = dirEntryRecLenEnd
	dirEntryNameLenSize  = 1
	dirEntryNameLenEnd   = dirEntryNameLenStart + dirEntryNameLenSize

	dirEntryFileTypeStart = dirEntryNameLenEnd
	dirEntryFileTypeSize  = 1
	dirEntryFileTypeEnd   = dirEntryFileTypeStart + dirEntryFileTypeSize

	DirEntryHeaderSize Byte = dirEntryFileTypeEnd

	dirEntryAlign Byte = 4
)

// DirEntrySize is the smallest record that can hold a name of `nameLen`
// bytes, padded to 4-byte alignment.
func DirEntrySize(nameLen uint8) Byte {
	return math.AlignUp(DirEntryHeaderSize+Byte(nameLen), dirEntryAlign)
}

// DirEntryFreeSpace is the slack at the end of a live record that a new
// entry could be split into.
func DirEntryFreeSpace(entry *DirEntry) Byte {
	if entry.Ino == InoNil {
		return Byte(entry.RecLen)
	}
	return Byte(entry.RecLen) - DirEntrySize(entry.NameLen)
}

// EncodeDirEntry writes the header and name of `entry` at the start of `b`.
// `entry.NameLen` is derived from `entry.Name`.
func EncodeDirEntry(entry *DirEntry, b []byte) {
	nameLen := math.Min(len(entry.Name), MaxNameLen)
	PutU32(b, dirEntryInoStart, uint32(entry.Ino))
	PutU16(b, DirEntryRecLenStart, entry.RecLen)
	PutU8(b, dirEntryNameLenStart, uint8(nameLen))
	PutU8(b, dirEntryFileTypeStart, uint8(entry.FileType))
	copy(b[DirEntryHeaderSize:], entry.Name[:nameLen])

	// zero the alignment padding so identical directories encode
	// identically
	end := DirEntrySize(uint8(nameLen))
	for i := DirEntryHeaderSize + Byte(nameLen); i < end && i < Byte(len(b)); i++ {
		b[i] = 0
	}
}

// DecodeDirEntry reads the record at the start of `b`. It fails when the
// record would overrun `b` or is shorter than its own header and name, which
// means the directory block is corrupt.
func DecodeDirEntry(entry *DirEntry, b []byte) error {
	if Byte(len(b)) < DirEntryHeaderSize {
		return fmt.Errorf(
			"decoding dir entry: `%d` bytes remaining: %w",
			len(b),
			CorruptDirEntryErr,
		)
	}

	// NB: We are explicitly NOT validating the filetype here because it's
	// perfectly valid to have a zeroed-out DirEntry on disk (e.g., a direntry
	// gets deleted). Callers must validate if desired.
	recLen := GetU16(b, DirEntryRecLenStart)
	nameLen := GetU8(b, dirEntryNameLenStart)
	if Byte(recLen) < DirEntryHeaderSize ||
		Byte(recLen) > Byte(len(b)) ||
		Byte(recLen)%dirEntryAlign != 0 {
		return fmt.Errorf(
			"decoding dir entry: record length `%d`: %w",
			recLen,
			CorruptDirEntryErr,
		)
	}
	if DirEntryHeaderSize+Byte(nameLen) > Byte(recLen) {
		return fmt.Errorf(
			"decoding dir entry: name length `%d` exceeds record length "+
				"`%d`: %w",
			nameLen,
			recLen,
			CorruptDirEntryErr,
		)
	}

	entry.Ino = Ino(GetU32(b, dirEntryInoStart))
	entry.RecLen = recLen
	entry.NameLen = nameLen
	entry.FileType = FileType(GetU8(b, dirEntryFileTypeStart))
	entry.Name = string(b[DirEntryHeaderSize : DirEntryHeaderSize+Byte(nameLen)])
	return nil
}

// EncodeDirEntryIno overwrites only the inode field of the record at the
// start of `b`; removal uses it to tombstone an entry in place.
func EncodeDirEntryIno(ino Ino, b []byte) {
	PutU32(b, dirEntryInoStart, uint32(ino))
}

const CorruptDirEntryErr ConstError = "corrupt directory entry"
