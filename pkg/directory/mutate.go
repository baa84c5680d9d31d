package directory

import (
	"errors"
	"fmt"

	"github.com/weberc2/mfs/pkg/encode"
	"github.com/weberc2/mfs/pkg/journal"
	. "github.com/weberc2/mfs/pkg/types"
)

// Init allocates the first block of the new directory `dir` and writes its
// "." and ".." entries. `parent` is `dir.Ino` for the root.
func (m *Manager) Init(tx journal.Stager, dir *Inode, parent Ino) error {
	if err := m.appendBlock(tx, dir, func(b []byte) {
		dot := DirEntry{
			Ino:      dir.Ino,
			FileType: FileTypeDir,
			RecLen:   uint16(encode.DirEntrySize(1)),
			Name:     Dot,
		}
		encode.EncodeDirEntry(&dot, b)
		dotdot := DirEntry{
			Ino:      parent,
			FileType: FileTypeDir,
			RecLen:   uint16(m.chunk) - dot.RecLen,
			Name:     DotDot,
		}
		encode.EncodeDirEntry(&dotdot, b[dot.RecLen:])
	}); err != nil {
		return fmt.Errorf("initializing dir `%d`: %w", dir.Ino, err)
	}
	return nil
}

// Insert adds `name` -> `ino`. A deleted record long enough for the name is
// reused first, then the slack at the end of a live record; otherwise a new
// block is appended to the directory. Fails with `AlreadyExistsErr`,
// `NameTooLongErr` or `InvalidNameErr`. The caller writes `dir` afterwards
// since its size may have changed.
func (m *Manager) Insert(
	tx journal.Stager,
	dir *Inode,
	name string,
	ino Ino,
	fileType FileType,
) error {
	if err := m.insert(tx, dir, name, ino, fileType); err != nil {
		return fmt.Errorf(
			"inserting `%s` -> `%d` into dir `%d`: %w",
			name,
			ino,
			dir.Ino,
			err,
		)
	}
	return nil
}

func (m *Manager) insert(
	tx journal.Stager,
	dir *Inode,
	name string,
	ino Ino,
	fileType FileType,
) error {
	if !dir.IsDir() {
		return NotADirErr
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, _, err := m.find(tx, dir, name); err == nil {
		return AlreadyExistsErr
	} else if !errors.Is(err, NotFoundErr) {
		return err
	}

	need := encode.DirEntrySize(uint8(len(name)))
	entry := DirEntry{Ino: ino, FileType: fileType, Name: name}

	var (
		slot  position
		found bool
		split bool
		prev  DirEntry
	)
	if err := m.scan(tx, dir, func(p position, e *DirEntry) (bool, error) {
		if e.Ino == InoNil && Byte(e.RecLen) >= need {
			slot, found, prev = p, true, *e
			return true, nil
		}
		if e.Ino != InoNil && encode.DirEntryFreeSpace(e) >= need {
			slot, found, split, prev = p, true, true, *e
			return true, nil
		}
		return false, nil
	}); err != nil {
		return err
	}

	if !found {
		return m.appendBlock(tx, dir, func(b []byte) {
			entry.RecLen = uint16(m.chunk)
			encode.EncodeDirEntry(&entry, b)
		})
	}

	b, err := tx.Block(slot.block)
	if err != nil {
		return err
	}
	if !split {
		// a reused slot keeps its length
		entry.RecLen = prev.RecLen
		encode.EncodeDirEntry(&entry, b[slot.offset:])
		return nil
	}

	total, used := Byte(prev.RecLen), encode.DirEntrySize(prev.NameLen)
	prev.RecLen = uint16(used)
	encode.EncodeDirEntry(&prev, b[slot.offset:])
	entry.RecLen = uint16(total - used)
	encode.EncodeDirEntry(&entry, b[slot.offset+used:])
	return nil
}

// Remove deletes the live entry named `name` by zeroing its inode number in
// place; the record keeps its length so the slot can be reused and no
// other entry moves. Fails with `NotFoundErr`.
func (m *Manager) Remove(
	tx journal.Stager,
	dir *Inode,
	name string,
) (DirEntry, error) {
	if err := ValidateName(name); err != nil {
		return DirEntry{}, fmt.Errorf("removing from dir `%d`: %w", dir.Ino, err)
	}
	pos, entry, err := m.find(tx, dir, name)
	if err != nil {
		return DirEntry{}, fmt.Errorf("removing `%s`: %w", name, err)
	}
	b, err := tx.Block(pos.block)
	if err != nil {
		return DirEntry{}, fmt.Errorf(
			"removing `%s` from dir `%d`: %w",
			name,
			dir.Ino,
			err,
		)
	}
	encode.EncodeDirEntryIno(InoNil, b[pos.offset:])
	return entry, nil
}

// Replace points the existing entry `name` at `ino` in place. Renames use it
// to overwrite a target and to repoint a moved directory's "..".
func (m *Manager) Replace(
	tx journal.Stager,
	dir *Inode,
	name string,
	ino Ino,
	fileType FileType,
) (DirEntry, error) {
	pos, old, err := m.find(tx, dir, name)
	if err != nil {
		return DirEntry{}, fmt.Errorf("replacing `%s`: %w", name, err)
	}
	b, err := tx.Block(pos.block)
	if err != nil {
		return DirEntry{}, fmt.Errorf(
			"replacing `%s` in dir `%d`: %w",
			name,
			dir.Ino,
			err,
		)
	}
	entry := old
	entry.Ino, entry.FileType = ino, fileType
	encode.EncodeDirEntry(&entry, b[pos.offset:])
	return old, nil
}

// appendBlock allocates the next logical block of `dir`, tiles every chunk
// with an empty record, lets `fill` write into the first chunk and grows
// `dir.Size` by one block.
func (m *Manager) appendBlock(
	tx journal.Stager,
	dir *Inode,
	fill func(chunk []byte),
) error {
	logical := uint64(dir.Size / m.geo.BlockSize)
	hint := BlockNil
	if logical > 0 {
		last, err := m.addr.Resolve(tx, dir, logical-1)
		if err != nil {
			return err
		}
		hint = last
	}
	block, _, err := m.addr.ResolveAlloc(tx, dir, logical, hint)
	if err != nil {
		return fmt.Errorf("growing dir `%d`: %w", dir.Ino, err)
	}
	b, err := tx.Zero(block)
	if err != nil {
		return fmt.Errorf("growing dir `%d`: %w", dir.Ino, err)
	}
	for chunk := Byte(0); chunk < m.geo.BlockSize; chunk += m.chunk {
		empty := DirEntry{RecLen: uint16(m.chunk)}
		encode.EncodeDirEntry(&empty, b[chunk:])
	}
	fill(b[:m.chunk])
	dir.Size += m.geo.BlockSize
	return nil
}
