package encode

import . "github.com/weberc2/mfs/pkg/types"

// GetPointer reads entry `index` of an indirect block.
func GetPointer(b []byte, index uint64) Block {
	return getBlock(b, Byte(index)*BlockPointerSize)
}

// PutPointer writes entry `index` of an indirect block.
func PutPointer(b []byte, index uint64, block Block) {
	putBlock(b, Byte(index)*BlockPointerSize, block)
}
