package inode

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/encode"
	. "github.com/weberc2/mfs/pkg/types"
)

// Visitor is called for every block an inode references. `logical` is the
// logical index of a data block; for indirect blocks it is the first
// logical index the block covers.
type Visitor func(block Block, logical uint64, indirect bool) error

// Walk visits every allocated block of `inode`: data blocks in logical
// order, each indirect block before the blocks it points to.
func (a *Addresser) Walk(r BlockReader, inode *Inode, visit Visitor) error {
	for i, block := range inode.DirectBlocks {
		if block != BlockNil {
			if err := visit(block, uint64(i), false); err != nil {
				return err
			}
		}
	}
	for level := levelSingly; level <= levelTriply; level++ {
		top := *topPointer(inode, level)
		if top == BlockNil {
			continue
		}
		if err := a.walkTree(
			r,
			top,
			level,
			a.tiers.first[level],
			visit,
		); err != nil {
			return fmt.Errorf("walking inode `%d`: %w", inode.Ino, err)
		}
	}
	return nil
}

func (a *Addresser) walkTree(
	r BlockReader,
	block Block,
	depth level,
	first uint64,
	visit Visitor,
) error {
	if err := visit(block, first, true); err != nil {
		return err
	}
	b := make([]byte, a.geo.BlockSize)
	if err := r.ReadBlock(block, b); err != nil {
		return fmt.Errorf("reading indirect block `%d`: %w", block, err)
	}
	span := a.tiers.span(depth)
	for j := uint64(0); j < a.tiers.pointers; j++ {
		child := encode.GetPointer(b, j)
		if child == BlockNil {
			continue
		}
		logical := first + j*span
		if depth == levelSingly {
			if err := visit(child, logical, false); err != nil {
				return err
			}
			continue
		}
		if err := a.walkTree(r, child, depth-1, logical, visit); err != nil {
			return err
		}
	}
	return nil
}

// IndirectBlocks counts the indirect blocks `inode` holds.
func (a *Addresser) IndirectBlocks(r BlockReader, inode *Inode) (uint64, error) {
	var n uint64
	err := a.Walk(r, inode, func(_ Block, _ uint64, indirect bool) error {
		if indirect {
			n++
		}
		return nil
	})
	return n, err
}

// DataBlocks counts the data blocks `inode` holds.
func (a *Addresser) DataBlocks(r BlockReader, inode *Inode) (uint64, error) {
	var n uint64
	err := a.Walk(r, inode, func(_ Block, _ uint64, indirect bool) error {
		if !indirect {
			n++
		}
		return nil
	})
	return n, err
}
