package alloc

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/device"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

// Format writes every group's bitmaps and zeroes its inode table. Each
// group's metadata blocks (and, in group 0, the superblock and journal) are
// marked allocated; everything else is free.
func Format(dev device.Device, geo *superblock.Geometry) error {
	zero := make([]byte, geo.BlockSize)
	b := make([]byte, geo.BlockSize)
	for g := uint64(0); g < geo.Groups; g++ {
		for i := range b {
			b[i] = 0
		}
		bm := Bitmap(b)
		for i := uint64(0); i < geo.MetaBlocks(g); i++ {
			bm.Set(i)
		}
		if err := dev.WriteBlock(geo.BlockBitmap(g), b); err != nil {
			return fmt.Errorf(
				"formatting block bitmap of group `%d`: %w",
				g,
				err,
			)
		}
		if err := dev.WriteBlock(geo.InodeBitmap(g), zero); err != nil {
			return fmt.Errorf(
				"formatting inode bitmap of group `%d`: %w",
				g,
				err,
			)
		}
		for i := uint64(0); i < geo.InodeTableBlocks; i++ {
			block := geo.InodeTable(g) + Block(i)
			if err := dev.WriteBlock(block, zero); err != nil {
				return fmt.Errorf(
					"formatting inode table block `%d` of group `%d`: %w",
					block,
					g,
					err,
				)
			}
		}
	}
	return nil
}
