package superblock

import (
	"errors"
	"testing"

	. "github.com/weberc2/mfs/pkg/types"
)

func TestPlan_64MiB(t *testing.T) {
	g, err := Plan(4096, 16384, 0, 0)
	if err != nil {
		t.Fatalf("Plan(): unexpected err: %v", err)
	}

	for _, testCase := range []struct {
		name   string
		found  uint64
		wanted uint64
	}{
		{"groups", g.Groups, 2},
		{"journal blocks", g.JournalBlocks, 256},
		{"inodes per group", g.InodesPerGroup, 2048},
		{"inode table blocks", g.InodeTableBlocks, 64},
		{"group 0 block bitmap", uint64(g.BlockBitmap(0)), 257},
		{"group 0 data start", uint64(g.DataStart(0)), 323},
		{"group 1 block bitmap", uint64(g.BlockBitmap(1)), 8192},
		{"group 1 data start", uint64(g.DataStart(1)), 8192 + 66},
		{"inode count", g.InodeCount(), 4096},
	} {
		if testCase.found != testCase.wanted {
			t.Fatalf(
				"%s: wanted `%d`; found `%d`",
				testCase.name,
				testCase.wanted,
				testCase.found,
			)
		}
	}
}

func TestPlan_TooSmall(t *testing.T) {
	if _, err := Plan(1024, 64, 0, 0); !errors.Is(err, FormatErr) {
		t.Fatalf("wanted `%v`; found `%v`", FormatErr, err)
	}
}

func TestPlan_InvalidBlockSize(t *testing.T) {
	if _, err := Plan(3000, 16384, 0, 0); !errors.Is(err, FormatErr) {
		t.Fatalf("wanted `%v`; found `%v`", FormatErr, err)
	}
}

func TestPlan_DropsRuntTrailingGroup(t *testing.T) {
	// Given a volume whose second group is too small for its own metadata
	g, err := Plan(4096, BlocksPerGroup+10, 0, 0)
	if err != nil {
		t.Fatalf("Plan(): unexpected err: %v", err)
	}

	// Then the runt group is dropped from the volume
	if wanted, found := uint64(1), g.Groups; wanted != found {
		t.Fatalf("Groups: wanted `%d`; found `%d`", wanted, found)
	}
	if wanted, found := BlocksPerGroup, g.BlockCount; wanted != found {
		t.Fatalf("BlockCount: wanted `%d`; found `%d`", wanted, found)
	}
}

func TestGeometry_InodeLocation(t *testing.T) {
	g, err := Plan(4096, 16384, 0, 0)
	if err != nil {
		t.Fatalf("Plan(): unexpected err: %v", err)
	}

	for _, testCase := range []struct {
		ino          Ino
		wantedBlock  Block
		wantedOffset Byte
	}{
		{1, 259, 0},
		{2, 259, 128},
		{33, 260, 0},
		{2048, 259 + 63, 31 * 128},
		{2049, 8194, 0},
	} {
		block, offset, err := g.InodeLocation(testCase.ino)
		if err != nil {
			t.Fatalf("InodeLocation(%d): unexpected err: %v", testCase.ino, err)
		}
		if block != testCase.wantedBlock || offset != testCase.wantedOffset {
			t.Fatalf(
				"InodeLocation(%d): wanted `(%d, %d)`; found `(%d, %d)`",
				testCase.ino,
				testCase.wantedBlock,
				testCase.wantedOffset,
				block,
				offset,
			)
		}
	}

	if _, _, err := g.InodeLocation(0); !errors.Is(err, InvalidInoErr) {
		t.Fatalf("InodeLocation(0): wanted `%v`; found `%v`", InvalidInoErr, err)
	}
	if _, _, err := g.InodeLocation(4097); !errors.Is(err, InvalidInoErr) {
		t.Fatalf("InodeLocation(4097): wanted `%v`; found `%v`", InvalidInoErr, err)
	}
}

func TestGeometry_IsMetadata(t *testing.T) {
	g, err := Plan(4096, 16384, 0, 0)
	if err != nil {
		t.Fatalf("Plan(): unexpected err: %v", err)
	}

	for _, testCase := range []struct {
		block  Block
		wanted bool
	}{
		{0, true},
		{1, true},
		{322, true},
		{323, false},
		{8191, false},
		{8192, true},
		{8257, true},
		{8258, false},
	} {
		if found := g.IsMetadata(testCase.block); found != testCase.wanted {
			t.Fatalf(
				"IsMetadata(%d): wanted `%t`; found `%t`",
				testCase.block,
				testCase.wanted,
				found,
			)
		}
	}
}

func TestFromSuperblock_Inconsistent(t *testing.T) {
	g, err := Plan(4096, 16384, 0, 0)
	if err != nil {
		t.Fatalf("Plan(): unexpected err: %v", err)
	}
	valid := Superblock{
		BlockSize:      g.BlockSize,
		BlockCount:     g.BlockCount,
		FreeBlocks:     100,
		InodeCount:     g.InodeCount(),
		FreeInodes:     10,
		BlocksPerGroup: g.BlocksPerGroup,
		JournalStart:   g.JournalStart,
		JournalBlocks:  g.JournalBlocks,
		InodesPerGroup: g.InodesPerGroup,
	}
	if _, err := FromSuperblock(&valid); err != nil {
		t.Fatalf("FromSuperblock(valid): unexpected err: %v", err)
	}

	for _, testCase := range []struct {
		name   string
		mutate func(*Superblock)
	}{
		{"block size", func(sb *Superblock) { sb.BlockSize = 1000 }},
		{"blocks per group", func(sb *Superblock) { sb.BlocksPerGroup = 4096 }},
		{"free blocks", func(sb *Superblock) { sb.FreeBlocks = sb.BlockCount + 1 }},
		{"free inodes", func(sb *Superblock) { sb.FreeInodes = sb.InodeCount + 1 }},
		{"inode count", func(sb *Superblock) { sb.InodeCount++ }},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			sb := valid
			testCase.mutate(&sb)
			if _, err := FromSuperblock(&sb); !errors.Is(err, CorruptSuperblockErr) {
				t.Fatalf("wanted `%v`; found `%v`", CorruptSuperblockErr, err)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	var c Counters
	c.Set(10, 5)
	c.AddFreeBlocks(-3)
	c.AddFreeInodes(2)
	blocks, inodes := c.Snapshot()
	if blocks != 7 || inodes != 7 {
		t.Fatalf("Snapshot(): wanted `(7, 7)`; found `(%d, %d)`", blocks, inodes)
	}
}
