package types

const (
	SuperblockMagic   uint32 = 0x4D465300
	SuperblockVersion uint16 = 1

	// SuperblockSize is the encoded length of a superblock including its
	// extension fields. The rest of block 0 is zero.
	SuperblockSize Byte = 110

	DefaultMaxMountCount uint16 = 30
)

type State uint8

const (
	StateClean State = 0
	StateDirty State = 1
	StateError State = 2
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type Features uint32

const (
	FeatureJournaling       Features = 1 << 0
	FeatureSecurity         Features = 1 << 1
	FeatureJournalChecksums Features = 1 << 2

	DefaultFeatures = FeatureJournaling | FeatureSecurity | FeatureJournalChecksums
)

func (f Features) Has(flag Features) bool { return f&flag == flag }

type Superblock struct {
	Magic          uint32
	Version        uint16
	BlockSize      Byte
	BlockCount     uint64
	FreeBlocks     uint64
	InodeCount     uint64
	FreeInodes     uint64
	BlocksPerGroup uint64
	JournalStart   Block
	JournalBlocks  uint64
	Features       Features
	MountCount     uint32
	State          State
	UUID           [16]byte
	Created        uint64
	LastMount      uint64
	InodesPerGroup uint64
	MaxMountCount  uint16
}
