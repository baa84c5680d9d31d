package inode

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/encode"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/math"
	. "github.com/weberc2/mfs/pkg/types"
)

// Truncate sets the size of `inode` to `size`, freeing every data block past
// the new end in reverse tier order (triply, doubly, singly, direct) along
// with any indirect block left with no pointers. Growing a file only
// changes its size; the new range is a hole.
func (a *Addresser) Truncate(tx journal.Stager, inode *Inode, size Byte) error {
	if size > MaxSize(a.geo) {
		return fmt.Errorf(
			"truncating inode `%d` to `%d` bytes: %w",
			inode.Ino,
			size,
			FileTooLargeErr,
		)
	}
	if err := a.truncateHelper(tx, inode, size); err != nil {
		return fmt.Errorf(
			"truncating inode `%d` to `%d` bytes: %w",
			inode.Ino,
			size,
			err,
		)
	}
	inode.Size = size
	return nil
}

func (a *Addresser) truncateHelper(
	tx journal.Stager,
	inode *Inode,
	size Byte,
) error {
	keep := uint64(math.DivRoundUp(size, a.geo.BlockSize))

	for level := levelTriply; level >= levelSingly; level-- {
		top := topPointer(inode, level)
		if *top == BlockNil {
			continue
		}
		first := a.tiers.first[level]
		if first+a.tiers.span(level)*a.tiers.pointers <= keep {
			continue
		}
		empty, err := a.freeTree(tx, *top, level, first, keep)
		if err != nil {
			return err
		}
		if empty {
			if err := a.alloc.FreeBlock(tx, *top); err != nil {
				return fmt.Errorf("freeing %v block: %w", level, err)
			}
			*top = BlockNil
		}
	}

	for i := uint64(DirectBlocksCount); i > keep; i-- {
		block := inode.DirectBlocks[i-1]
		if block == BlockNil {
			continue
		}
		if err := a.alloc.FreeBlock(tx, block); err != nil {
			return fmt.Errorf("freeing direct block `%d`: %w", i-1, err)
		}
		inode.DirectBlocks[i-1] = BlockNil
	}
	return nil
}

// freeTree frees every data block at logical index `keep` or above under the
// indirect block `block`, whose first entry maps logical block `first` and
// whose entries each cover `span(depth)` logical blocks. It reports whether
// `block` is left with no pointers; the caller frees it.
//
// A subtree that is freed entirely is read without being staged, so a large
// truncate only journals the indirect blocks that survive.
func (a *Addresser) freeTree(
	tx journal.Stager,
	block Block,
	depth level,
	first uint64,
	keep uint64,
) (bool, error) {
	var b []byte
	whole := first >= keep
	if whole {
		b = make([]byte, a.geo.BlockSize)
		if err := tx.ReadBlock(block, b); err != nil {
			return false, fmt.Errorf("reading indirect block `%d`: %w", block, err)
		}
	} else {
		var err error
		if b, err = tx.Block(block); err != nil {
			return false, fmt.Errorf("loading indirect block `%d`: %w", block, err)
		}
	}

	span := a.tiers.span(depth)
	for j := a.tiers.pointers; j > 0; j-- {
		entryFirst := first + (j-1)*span
		if entryFirst+span <= keep {
			break
		}
		child := encode.GetPointer(b, j-1)
		if child == BlockNil {
			continue
		}

		if depth > levelSingly {
			empty, err := a.freeTree(tx, child, depth-1, entryFirst, keep)
			if err != nil {
				return false, err
			}
			if !empty {
				continue
			}
		}
		if err := a.alloc.FreeBlock(tx, child); err != nil {
			return false, fmt.Errorf(
				"freeing entry `%d` of indirect block `%d`: %w",
				j-1,
				block,
				err,
			)
		}
		if !whole {
			encode.PutPointer(b, j-1, BlockNil)
		}
	}

	if whole {
		return true, nil
	}
	for j := uint64(0); j < a.tiers.pointers; j++ {
		if encode.GetPointer(b, j) != BlockNil {
			return false, nil
		}
	}
	return true, nil
}
