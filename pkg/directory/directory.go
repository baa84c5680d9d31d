// Package directory stores name to inode mappings in the data blocks of
// directory inodes. Directory blocks are metadata: every change is staged in
// the caller's transaction. Lookups scan every entry; there is no index.
package directory

import (
	"fmt"
	"strings"

	"github.com/weberc2/mfs/pkg/encode"
	"github.com/weberc2/mfs/pkg/inode"
	"github.com/weberc2/mfs/pkg/math"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

const (
	Dot    = "."
	DotDot = ".."

	// maxChunk is the largest span a single record can cover; larger blocks
	// are tiled as several independent chunks so record lengths fit in 16
	// bits.
	maxChunk Byte = 32 * 1024
)

type Manager struct {
	geo   *superblock.Geometry
	addr  *inode.Addresser
	chunk Byte
}

func New(geo *superblock.Geometry, addr *inode.Addresser) *Manager {
	return &Manager{
		geo:   geo,
		addr:  addr,
		chunk: math.Min(geo.BlockSize, maxChunk),
	}
}

// ValidateName fails with `InvalidNameErr` for "", ".", ".." and names
// containing '/' or NUL, and with `NameTooLongErr` for names longer than 255
// bytes.
func ValidateName(name string) error {
	if name == "" || name == Dot || name == DotDot ||
		strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("validating name `%s`: %w", name, InvalidNameErr)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf(
			"validating name of `%d` bytes: %w",
			len(name),
			NameTooLongErr,
		)
	}
	return nil
}

// position is the location of a record: the physical block and the byte
// offset inside it.
type position struct {
	block  Block
	offset Byte
}

// scan calls `fn` for every record of `dir`, live or deleted, in on-disk
// order until `fn` returns true or an error.
func (m *Manager) scan(
	r BlockReader,
	dir *Inode,
	fn func(pos position, entry *DirEntry) (bool, error),
) error {
	b := make([]byte, m.geo.BlockSize)
	blocks := uint64(dir.Size / m.geo.BlockSize)
	for i := uint64(0); i < blocks; i++ {
		block, err := m.loadBlock(r, dir, i, b)
		if err != nil {
			return err
		}
		for chunk := Byte(0); chunk < m.geo.BlockSize; chunk += m.chunk {
			for offset := chunk; offset < chunk+m.chunk; {
				var entry DirEntry
				if err := encode.DecodeDirEntry(
					&entry,
					b[offset:chunk+m.chunk],
				); err != nil {
					return fmt.Errorf(
						"scanning dir `%d`: block `%d` offset `%d`: %w",
						dir.Ino,
						block,
						offset,
						err,
					)
				}
				stop, err := fn(position{block, offset}, &entry)
				if err != nil || stop {
					return err
				}
				offset += Byte(entry.RecLen)
			}
		}
	}
	return nil
}

// loadBlock reads logical block `i` of `dir` into `b`.
func (m *Manager) loadBlock(
	r BlockReader,
	dir *Inode,
	i uint64,
	b []byte,
) (Block, error) {
	block, err := m.addr.Resolve(r, dir, i)
	if err != nil {
		return BlockNil, fmt.Errorf("reading dir `%d`: %w", dir.Ino, err)
	}
	if block == BlockNil {
		return BlockNil, fmt.Errorf(
			"reading dir `%d`: logical block `%d` is a hole: %w",
			dir.Ino,
			i,
			encode.CorruptDirEntryErr,
		)
	}
	if err := r.ReadBlock(block, b); err != nil {
		return BlockNil, fmt.Errorf(
			"reading dir `%d` block `%d`: %w",
			dir.Ino,
			block,
			err,
		)
	}
	return block, nil
}

func (m *Manager) find(
	r BlockReader,
	dir *Inode,
	name string,
) (position, DirEntry, error) {
	var (
		pos   position
		found DirEntry
		ok    bool
	)
	if err := m.scan(r, dir, func(p position, entry *DirEntry) (bool, error) {
		if entry.Ino != InoNil && entry.Name == name {
			pos, found, ok = p, *entry, true
			return true, nil
		}
		return false, nil
	}); err != nil {
		return position{}, DirEntry{}, err
	}
	if !ok {
		return position{}, DirEntry{}, fmt.Errorf(
			"looking up `%s` in dir `%d`: %w",
			name,
			dir.Ino,
			NotFoundErr,
		)
	}
	return pos, found, nil
}

// Lookup returns the first live entry named `name`. Fails with `NotFoundErr`.
func (m *Manager) Lookup(r BlockReader, dir *Inode, name string) (DirEntry, error) {
	if !dir.IsDir() {
		return DirEntry{}, fmt.Errorf(
			"looking up `%s` in inode `%d`: %w",
			name,
			dir.Ino,
			NotADirErr,
		)
	}
	_, entry, err := m.find(r, dir, name)
	return entry, err
}

// IsEmpty reports whether `dir` holds nothing but "." and "..".
func (m *Manager) IsEmpty(r BlockReader, dir *Inode) (bool, error) {
	empty := true
	err := m.scan(r, dir, func(_ position, entry *DirEntry) (bool, error) {
		if entry.Ino != InoNil && entry.Name != Dot && entry.Name != DotDot {
			empty = false
			return true, nil
		}
		return false, nil
	})
	return empty, err
}
