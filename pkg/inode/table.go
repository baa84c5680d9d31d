// Package inode reads and writes inode records and maps a file's logical
// blocks to physical blocks through its direct and indirect pointers.
package inode

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/encode"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

// Table locates inode records in the per-group inode tables.
type Table struct {
	geo *superblock.Geometry
}

func NewTable(geo *superblock.Geometry) Table { return Table{geo: geo} }

// Read decodes the record of `ino`. A free slot decodes as an inode with a
// zero mode.
func (t Table) Read(r BlockReader, ino Ino, inode *Inode) error {
	block, offset, err := t.geo.InodeLocation(ino)
	if err != nil {
		return fmt.Errorf("reading inode: %w", err)
	}
	b := make([]byte, t.geo.BlockSize)
	if err := r.ReadBlock(block, b); err != nil {
		return fmt.Errorf("reading inode `%d`: %w", ino, err)
	}
	if err := encode.DecodeInode(
		inode,
		b[offset:offset+InodeSize],
	); err != nil {
		return fmt.Errorf("reading inode `%d`: %w", ino, err)
	}
	inode.Ino = ino
	return nil
}

// Write stages the record of `inode.Ino`.
func (t Table) Write(tx journal.Stager, inode *Inode) error {
	block, offset, err := t.geo.InodeLocation(inode.Ino)
	if err != nil {
		return fmt.Errorf("writing inode: %w", err)
	}
	b, err := tx.Block(block)
	if err != nil {
		return fmt.Errorf("writing inode `%d`: %w", inode.Ino, err)
	}
	encode.EncodeInode(inode, b[offset:offset+InodeSize])
	return nil
}

// Clear stages an all-zero record for `ino`, marking the slot unused.
func (t Table) Clear(tx journal.Stager, ino Ino) error {
	return t.Write(tx, &Inode{Ino: ino})
}
