package inode

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/math"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

type level int

const (
	levelDirect level = iota
	levelSingly
	levelDoubly
	levelTriply
	levelOutOfRange
)

func (level level) String() string {
	switch level {
	case levelDirect:
		return "direct"
	case levelSingly:
		return "singly indirect"
	case levelDoubly:
		return "doubly indirect"
	case levelTriply:
		return "triply indirect"
	case levelOutOfRange:
		return "out of range"
	default:
		return fmt.Sprintf("level(%d)", int(level))
	}
}

// tiers holds the first logical index of each tier for a pointer width.
//
//	direct   [0, 12)
//	singly   [12, 12+p)
//	doubly   [12+p, 12+p+p²)
//	triply   [12+p+p², 12+p+p²+p³)
type tiers struct {
	pointers uint64
	first    [levelOutOfRange + 1]uint64
}

func newTiers(geo *superblock.Geometry) tiers {
	p := geo.PointersPerBlock()
	t := tiers{pointers: p}
	t.first[levelDirect] = 0
	t.first[levelSingly] = DirectBlocksCount
	t.first[levelDoubly] = t.first[levelSingly] + p
	t.first[levelTriply] = t.first[levelDoubly] + p*p
	t.first[levelOutOfRange] = t.first[levelTriply] + p*p*p
	return t
}

// span is the number of logical blocks one pointer in an indirect block of
// `depth` covers: 1 for a singly indirect block's entries, p for a doubly
// indirect block's and p² for a triply indirect block's.
func (t *tiers) span(depth level) uint64 {
	span := uint64(1)
	for d := levelSingly; d < depth; d++ {
		span *= t.pointers
	}
	return span
}

// path is where a logical block's pointer lives: the tier and, for indirect
// tiers, the entry index at each level from the top indirect block down.
type path struct {
	level   level
	direct  uint64
	offsets [levelTriply]uint64
}

func (p *path) indices() []uint64 { return p.offsets[:p.level] }

func (t *tiers) locate(i uint64) (path, error) {
	switch {
	case i < t.first[levelSingly]:
		return path{level: levelDirect, direct: i}, nil
	case i < t.first[levelOutOfRange]:
		var p path
		for p.level = levelTriply; i < t.first[p.level]; p.level-- {
		}
		rest := i - t.first[p.level]
		for d := level(0); d < p.level; d++ {
			span := t.span(p.level - d)
			p.offsets[d] = rest / span
			rest %= span
		}
		return p, nil
	default:
		return path{level: levelOutOfRange}, fmt.Errorf(
			"locating logical block `%d` of at most `%d`: %w",
			i,
			t.first[levelOutOfRange],
			InvalidBlockIndexErr,
		)
	}
}

// MaxBlocks is the number of logical blocks the four tiers can address.
func MaxBlocks(geo *superblock.Geometry) uint64 {
	t := newTiers(geo)
	return t.first[levelOutOfRange]
}

// MaxSize is the largest file size: the tiers' reach, capped by
// `MaxFileSize`.
func MaxSize(geo *superblock.Geometry) Byte {
	return math.Min(Byte(MaxBlocks(geo))*geo.BlockSize, MaxFileSize)
}

func topPointer(inode *Inode, level level) *Block {
	switch level {
	case levelSingly:
		return &inode.SinglyIndirect
	case levelDoubly:
		return &inode.DoublyIndirect
	case levelTriply:
		return &inode.TriplyIndirect
	default:
		panic(fmt.Sprintf("no top pointer for level %v", level))
	}
}
