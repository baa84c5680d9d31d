package types

import "fmt"

// Mode packs the file type into the high nibble and the permission bits into
// the low twelve bits, the same way `st_mode` does.
type Mode uint16

const (
	ModeTypeMask Mode = 0xF000
	ModePermMask Mode = 0o7777

	ModeFifo     Mode = 0x1000
	ModeCharDev  Mode = 0x2000
	ModeDir      Mode = 0x4000
	ModeBlockDev Mode = 0x6000
	ModeRegular  Mode = 0x8000
	ModeSymlink  Mode = 0xA000
	ModeSocket   Mode = 0xC000
)

func NewMode(ft FileType, perm uint16) Mode {
	return ModeForFileType(ft) | Mode(perm)&ModePermMask
}

func ModeForFileType(ft FileType) Mode {
	switch ft {
	case FileTypeRegular:
		return ModeRegular
	case FileTypeDir:
		return ModeDir
	case FileTypeCharDev:
		return ModeCharDev
	case FileTypeBlockDev:
		return ModeBlockDev
	case FileTypeFifo:
		return ModeFifo
	case FileTypeSocket:
		return ModeSocket
	case FileTypeSymlink:
		return ModeSymlink
	default:
		return 0
	}
}

func (m Mode) FileType() FileType {
	switch m & ModeTypeMask {
	case ModeRegular:
		return FileTypeRegular
	case ModeDir:
		return FileTypeDir
	case ModeCharDev:
		return FileTypeCharDev
	case ModeBlockDev:
		return FileTypeBlockDev
	case ModeFifo:
		return FileTypeFifo
	case ModeSocket:
		return FileTypeSocket
	case ModeSymlink:
		return FileTypeSymlink
	default:
		return FileTypeInvalid
	}
}

func (m Mode) Perm() uint16 { return uint16(m & ModePermMask) }

func (m Mode) WithPerm(perm uint16) Mode {
	return m&ModeTypeMask | Mode(perm)&ModePermMask
}

func (m Mode) String() string {
	const rwx = "rwxrwxrwx"
	var b [10]byte
	switch m.FileType() {
	case FileTypeDir:
		b[0] = 'd'
	case FileTypeSymlink:
		b[0] = 'l'
	case FileTypeCharDev:
		b[0] = 'c'
	case FileTypeBlockDev:
		b[0] = 'b'
	case FileTypeFifo:
		b[0] = 'p'
	case FileTypeSocket:
		b[0] = 's'
	default:
		b[0] = '-'
	}
	for i := 0; i < 9; i++ {
		if m&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		} else {
			b[i+1] = '-'
		}
	}
	return string(b[:])
}

func (m Mode) GoString() string { return fmt.Sprintf("%#o", uint16(m)) }
