package directory

import (
	"fmt"
	"io"

	"github.com/weberc2/mfs/pkg/encode"
	. "github.com/weberc2/mfs/pkg/types"
)

// Lister walks the live entries of a directory one at a time, reading each
// block only when it reaches it. It skips "." and "..". A Lister is not
// restartable and does not see a consistent snapshot: callers that need to
// detect concurrent changes must track them themselves.
type Lister struct {
	manager *Manager
	r       BlockReader
	dir     Inode
	logical uint64
	offset  Byte
	block   []byte
	loaded  bool
	err     error
}

// List opens a Lister over `dir`. `dir` is copied; later changes to the
// caller's inode are not observed.
func (m *Manager) List(r BlockReader, dir *Inode) (*Lister, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("listing inode `%d`: %w", dir.Ino, NotADirErr)
	}
	return &Lister{
		manager: m,
		r:       r,
		dir:     *dir,
		block:   make([]byte, m.geo.BlockSize),
	}, nil
}

// Next fills `entry` with the next live entry, returning `io.EOF` once the
// directory is exhausted. After an error every call returns that error.
func (l *Lister) Next(entry *DirEntry) error {
	if l.err != nil {
		return l.err
	}
	if err := l.next(entry); err != nil {
		l.err = err
		return err
	}
	return nil
}

func (l *Lister) next(entry *DirEntry) error {
	m := l.manager
	blocks := uint64(l.dir.Size / m.geo.BlockSize)
	for l.logical < blocks {
		if !l.loaded {
			if _, err := m.loadBlock(
				l.r,
				&l.dir,
				l.logical,
				l.block,
			); err != nil {
				return err
			}
			l.loaded = true
		}

		for l.offset < m.geo.BlockSize {
			chunkEnd := (l.offset/m.chunk + 1) * m.chunk
			if err := encode.DecodeDirEntry(
				entry,
				l.block[l.offset:chunkEnd],
			); err != nil {
				return fmt.Errorf(
					"listing dir `%d`: logical block `%d` offset `%d`: %w",
					l.dir.Ino,
					l.logical,
					l.offset,
					err,
				)
			}
			l.offset += Byte(entry.RecLen)
			if entry.Ino != InoNil &&
				entry.Name != Dot &&
				entry.Name != DotDot {
				return nil
			}
		}

		l.logical++
		l.offset = 0
		l.loaded = false
	}
	*entry = DirEntry{}
	return io.EOF
}
