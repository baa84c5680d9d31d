package types

import (
	"fmt"
)

type Ino uint64

const (
	DirectBlocksCount = 12

	// InodeSize is the on-disk size of an inode record.
	InodeSize Byte = 128

	InoNil  Ino = 0
	InoRoot Ino = 1

	// MaxNameLen is the longest name a directory entry can hold.
	MaxNameLen = 255
)

// Inode is the decoded form of an inode record. `Ino` is not stored on disk;
// it is the record's position in the inode table.
type Inode struct {
	Ino            Ino
	Mode           Mode
	UID            uint16
	GID            uint16
	Size           Byte
	LinksCount     uint16
	Atime          uint64
	Mtime          uint64
	Ctime          uint64
	DirectBlocks   [DirectBlocksCount]Block
	SinglyIndirect Block
	DoublyIndirect Block
	TriplyIndirect Block
	Flags          uint32
	AuditID        uint64
}

func (inode *Inode) FileType() FileType { return inode.Mode.FileType() }

func (inode *Inode) IsDir() bool { return inode.Mode.FileType() == FileTypeDir }

type FileType uint8

const (
	FileTypeInvalid FileType = iota
	FileTypeRegular
	FileTypeDir
	FileTypeCharDev
	FileTypeBlockDev
	FileTypeFifo
	FileTypeSocket
	FileTypeSymlink
)

func (ft FileType) String() string {
	switch ft {
	case FileTypeInvalid:
		return "Invalid"
	case FileTypeRegular:
		return "Regular"
	case FileTypeDir:
		return "Dir"
	case FileTypeCharDev:
		return "CharDev"
	case FileTypeBlockDev:
		return "BlockDev"
	case FileTypeFifo:
		return "Fifo"
	case FileTypeSocket:
		return "Socket"
	case FileTypeSymlink:
		return "Symlink"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(ft))
	}
}

func (ft FileType) MarshalJSON() ([]byte, error) {
	s := ft.String()
	out := make([]byte, len(s)+2)
	out[0] = '"'
	out[len(out)-1] = '"'
	copy(out[1:], s)
	return out, nil
}

func (ft FileType) Validate() error {
	if ft <= FileTypeInvalid || ft > FileTypeSymlink {
		return fmt.Errorf(
			"validating file type `%d`: %w",
			ft,
			InvalidFileTypeErr,
		)
	}
	return nil
}

const (
	InvalidFileTypeErr ConstError = "invalid file type"
)
