package types

// Block is an absolute block number on the device.
type Block uint64

// Byte is a byte offset or length.
type Byte uint64

const (
	BlockNil Block = 0

	// BlockPointerSize is the on-disk width of a block pointer inside an
	// inode or an indirect block.
	BlockPointerSize Byte = 4

	MinBlockSize     Byte = 1024
	MaxBlockSize     Byte = 65536
	DefaultBlockSize Byte = 4096

	// BlocksPerGroup is fixed by the on-disk format.
	BlocksPerGroup uint64 = 8192

	// MaxFileSize is the ceiling on a file's size regardless of how many
	// blocks the addressing tiers could reach.
	MaxFileSize Byte = 16 << 40
)

// ValidBlockSize reports whether `size` is a power of two in
// [MinBlockSize, MaxBlockSize].
func ValidBlockSize(size Byte) bool {
	return size >= MinBlockSize && size <= MaxBlockSize && size&(size-1) == 0
}

// BlockReader reads whole blocks; devices and open transactions both
// satisfy it.
type BlockReader interface {
	ReadBlock(id Block, p []byte) error
}
