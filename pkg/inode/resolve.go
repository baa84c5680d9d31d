package inode

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/alloc"
	"github.com/weberc2/mfs/pkg/encode"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

// Addresser maps logical blocks of files to physical blocks. Indirect
// blocks are metadata: every change to them is staged in the caller's
// transaction. Changes to the inode's own pointers are made in memory; the
// caller writes the inode afterwards.
type Addresser struct {
	geo   *superblock.Geometry
	alloc *alloc.Allocator
	tiers tiers
}

func NewAddresser(geo *superblock.Geometry, a *alloc.Allocator) *Addresser {
	return &Addresser{geo: geo, alloc: a, tiers: newTiers(geo)}
}

// Resolve returns the physical block holding logical block `i` of `inode`,
// or `BlockNil` for a hole. It never allocates.
func (a *Addresser) Resolve(r BlockReader, inode *Inode, i uint64) (Block, error) {
	p, err := a.tiers.locate(i)
	if err != nil {
		return BlockNil, fmt.Errorf("resolving inode `%d`: %w", inode.Ino, err)
	}
	if p.level == levelDirect {
		return inode.DirectBlocks[p.direct], nil
	}

	current := *topPointer(inode, p.level)
	b := make([]byte, a.geo.BlockSize)
	for _, offset := range p.indices() {
		if current == BlockNil {
			return BlockNil, nil
		}
		if err := r.ReadBlock(current, b); err != nil {
			return BlockNil, fmt.Errorf(
				"resolving logical block `%d` of inode `%d`: reading %v "+
					"block `%d`: %w",
				i,
				inode.Ino,
				p.level,
				current,
				err,
			)
		}
		current = encode.GetPointer(b, offset)
	}
	return current, nil
}

// ResolveAlloc is Resolve, allocating the data block (near `hint`) and any
// missing indirect blocks when logical block `i` is a hole. `fresh` reports
// whether the returned block was just allocated; its contents are
// undefined and the caller must write the whole block.
func (a *Addresser) ResolveAlloc(
	tx journal.Stager,
	inode *Inode,
	i uint64,
	hint Block,
) (block Block, fresh bool, err error) {
	if block, err = a.Resolve(tx, inode, i); err != nil || block != BlockNil {
		return block, false, err
	}
	if block, err = a.alloc.AllocateBlock(tx, hint); err != nil {
		return BlockNil, false, fmt.Errorf(
			"allocating logical block `%d` of inode `%d`: %w",
			i,
			inode.Ino,
			err,
		)
	}
	if err := a.Map(tx, inode, i, block); err != nil {
		return BlockNil, false, err
	}
	return block, true, nil
}

// Map points logical block `i` of `inode` at `block`, allocating any missing
// indirect blocks near it. Mapping over an existing pointer replaces it
// without freeing the old block.
func (a *Addresser) Map(
	tx journal.Stager,
	inode *Inode,
	i uint64,
	block Block,
) error {
	if err := a.mapHelper(tx, inode, i, block); err != nil {
		return fmt.Errorf(
			"mapping logical block `%d` of inode `%d` to `%d`: %w",
			i,
			inode.Ino,
			block,
			err,
		)
	}
	return nil
}

func (a *Addresser) mapHelper(
	tx journal.Stager,
	inode *Inode,
	i uint64,
	block Block,
) error {
	p, err := a.tiers.locate(i)
	if err != nil {
		return err
	}
	if p.level == levelDirect {
		inode.DirectBlocks[p.direct] = block
		return nil
	}

	top := topPointer(inode, p.level)
	if *top == BlockNil {
		if *top, err = a.newIndirect(tx, block); err != nil {
			return fmt.Errorf("allocating %v block: %w", p.level, err)
		}
	}

	current := *top
	indices := p.indices()
	for depth, offset := range indices {
		b, err := tx.Block(current)
		if err != nil {
			return fmt.Errorf("loading indirect block `%d`: %w", current, err)
		}
		if depth == len(indices)-1 {
			encode.PutPointer(b, offset, block)
			return nil
		}

		next := encode.GetPointer(b, offset)
		if next == BlockNil {
			if next, err = a.newIndirect(tx, current); err != nil {
				return fmt.Errorf(
					"allocating indirect block under `%d`: %w",
					current,
					err,
				)
			}
			encode.PutPointer(b, offset, next)
		}
		current = next
	}
	return nil
}

// newIndirect allocates an indirect block and stages it zeroed.
func (a *Addresser) newIndirect(tx journal.Stager, hint Block) (Block, error) {
	block, err := a.alloc.AllocateBlock(tx, hint)
	if err != nil {
		return BlockNil, err
	}
	if _, err := tx.Zero(block); err != nil {
		return BlockNil, err
	}
	return block, nil
}
