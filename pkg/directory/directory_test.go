package directory

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/weberc2/mfs/pkg/alloc"
	"github.com/weberc2/mfs/pkg/device"
	"github.com/weberc2/mfs/pkg/inode"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/superblock"
	. "github.com/weberc2/mfs/pkg/types"
)

type fixture struct {
	dev     *device.Mem
	geo     *superblock.Geometry
	journal *journal.Journal
	manager *Manager
	dir     Inode
}

func newFixture(t *testing.T, blockSize Byte) *fixture {
	t.Helper()
	geo, err := superblock.Plan(blockSize, 300, 32, 0)
	if err != nil {
		t.Fatalf("Plan(): unexpected err: %v", err)
	}
	dev := device.NewMem(blockSize, geo.BlockCount)
	if err := alloc.Format(dev, &geo); err != nil {
		t.Fatalf("alloc.Format(): unexpected err: %v", err)
	}
	if err := journal.Format(
		dev,
		geo.JournalStart,
		geo.JournalBlocks,
		true,
	); err != nil {
		t.Fatalf("journal.Format(): unexpected err: %v", err)
	}
	j, err := journal.Open(dev, geo.JournalStart, geo.JournalBlocks, &journal.Options{
		Clock: clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("journal.Open(): unexpected err: %v", err)
	}
	census, err := alloc.TakeCensus(dev, &geo)
	if err != nil {
		t.Fatalf("TakeCensus(): unexpected err: %v", err)
	}
	var counters superblock.Counters
	counters.Set(census.FreeBlocks(&geo), census.FreeInodes(&geo))
	a := alloc.New(&geo, &counters, nil)
	a.Load(&census)

	f := fixture{
		dev:     dev,
		geo:     &geo,
		journal: j,
		manager: New(&geo, inode.NewAddresser(&geo, a)),
		dir:     Inode{Ino: InoRoot, Mode: NewMode(FileTypeDir, 0755)},
	}
	f.do(t, func(tx *journal.Txn) error {
		return f.manager.Init(tx, &f.dir, InoRoot)
	})
	return &f
}

// do runs `fn` in a transaction and commits it.
func (f *fixture) do(t *testing.T, fn func(tx *journal.Txn) error) {
	t.Helper()
	tx := f.journal.Begin()
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("unexpected err: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit(): unexpected err: %v", err)
	}
}

func (f *fixture) insert(t *testing.T, name string, ino Ino) {
	t.Helper()
	f.do(t, func(tx *journal.Txn) error {
		return f.manager.Insert(tx, &f.dir, name, ino, FileTypeRegular)
	})
}

func (f *fixture) list(t *testing.T) []string {
	t.Helper()
	lister, err := f.manager.List(f.dev, &f.dir)
	if err != nil {
		t.Fatalf("List(): unexpected err: %v", err)
	}
	var names []string
	for {
		var entry DirEntry
		if err := lister.Next(&entry); err != nil {
			if err == io.EOF {
				return names
			}
			t.Fatalf("Next(): unexpected err: %v", err)
		}
		names = append(names, entry.Name)
	}
}

func assertNames(t *testing.T, wanted, found []string) {
	t.Helper()
	if strings.Join(wanted, ",") != strings.Join(found, ",") {
		t.Fatalf("wanted `%v`; found `%v`", wanted, found)
	}
}

func TestInit(t *testing.T) {
	// Given a freshly initialized directory
	f := newFixture(t, 1024)

	// Then it is one block long
	if f.dir.Size != f.geo.BlockSize {
		t.Fatalf("size: wanted `%d`; found `%d`", f.geo.BlockSize, f.dir.Size)
	}

	// And "." and ".." both point at the root
	for _, name := range []string{Dot, DotDot} {
		entry, err := f.manager.Lookup(f.dev, &f.dir, name)
		if err != nil {
			t.Fatalf("Lookup(%s): unexpected err: %v", name, err)
		}
		if entry.Ino != InoRoot {
			t.Fatalf("`%s`: wanted `%d`; found `%d`", name, InoRoot, entry.Ino)
		}
	}

	// And it is empty and lists nothing
	empty, err := f.manager.IsEmpty(f.dev, &f.dir)
	if err != nil {
		t.Fatalf("IsEmpty(): unexpected err: %v", err)
	}
	if !empty {
		t.Fatal("wanted an empty directory")
	}
	assertNames(t, nil, f.list(t))
}

func TestInsertLookup(t *testing.T) {
	// Given a directory with two entries
	f := newFixture(t, 1024)
	f.insert(t, "a.txt", 2)
	f.insert(t, "d", 3)

	// When they are looked up
	entry, err := f.manager.Lookup(f.dev, &f.dir, "d")
	if err != nil {
		t.Fatalf("Lookup(): unexpected err: %v", err)
	}

	// Then the entries are found and listed in insertion order
	if entry.Ino != 3 {
		t.Fatalf("wanted `3`; found `%d`", entry.Ino)
	}
	if entry.FileType != FileTypeRegular {
		t.Fatalf("wanted `%v`; found `%v`", FileTypeRegular, entry.FileType)
	}
	assertNames(t, []string{"a.txt", "d"}, f.list(t))

	empty, err := f.manager.IsEmpty(f.dev, &f.dir)
	if err != nil {
		t.Fatalf("IsEmpty(): unexpected err: %v", err)
	}
	if empty {
		t.Fatal("wanted a non-empty directory")
	}
}

func TestInsertErrors(t *testing.T) {
	for _, testCase := range []struct {
		name   string
		entry  string
		wanted error
	}{
		{name: "duplicate", entry: "a.txt", wanted: AlreadyExistsErr},
		{name: "too-long", entry: strings.Repeat("x", 256), wanted: NameTooLongErr},
		{name: "empty", entry: "", wanted: InvalidNameErr},
		{name: "dot", entry: ".", wanted: InvalidNameErr},
		{name: "dotdot", entry: "..", wanted: InvalidNameErr},
		{name: "slash", entry: "a/b", wanted: InvalidNameErr},
		{name: "nul", entry: "a\x00b", wanted: InvalidNameErr},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			f := newFixture(t, 1024)
			f.insert(t, "a.txt", 2)

			tx := f.journal.Begin()
			defer tx.Rollback()
			err := f.manager.Insert(tx, &f.dir, testCase.entry, 3, FileTypeRegular)
			if !errors.Is(err, testCase.wanted) {
				t.Fatalf("wanted `%v`; found `%v`", testCase.wanted, err)
			}
		})
	}
}

func TestInsertLongestName(t *testing.T) {
	f := newFixture(t, 1024)
	name := strings.Repeat("x", MaxNameLen)
	f.insert(t, name, 2)
	if _, err := f.manager.Lookup(f.dev, &f.dir, name); err != nil {
		t.Fatalf("Lookup(): unexpected err: %v", err)
	}
}

func TestRemove(t *testing.T) {
	// Given a directory with three entries
	f := newFixture(t, 1024)
	f.insert(t, "a", 2)
	f.insert(t, "b", 3)
	f.insert(t, "c", 4)

	// When the middle one is removed
	var removed DirEntry
	f.do(t, func(tx *journal.Txn) error {
		var err error
		removed, err = f.manager.Remove(tx, &f.dir, "b")
		return err
	})

	// Then it can no longer be found and the others are untouched
	if removed.Ino != 3 {
		t.Fatalf("removed: wanted `3`; found `%d`", removed.Ino)
	}
	if _, err := f.manager.Lookup(f.dev, &f.dir, "b"); !errors.Is(err, NotFoundErr) {
		t.Fatalf("wanted `%v`; found `%v`", NotFoundErr, err)
	}
	assertNames(t, []string{"a", "c"}, f.list(t))

	// And removing it again fails
	tx := f.journal.Begin()
	defer tx.Rollback()
	if _, err := f.manager.Remove(tx, &f.dir, "b"); !errors.Is(err, NotFoundErr) {
		t.Fatalf("wanted `%v`; found `%v`", NotFoundErr, err)
	}
}

func TestRemovedSlotIsReused(t *testing.T) {
	// Given a directory where the middle of three entries was removed
	f := newFixture(t, 1024)
	f.insert(t, "a", 2)
	f.insert(t, "b", 3)
	f.insert(t, "c", 4)
	f.do(t, func(tx *journal.Txn) error {
		_, err := f.manager.Remove(tx, &f.dir, "b")
		return err
	})

	// When a name that fits the deleted slot is inserted
	f.insert(t, "d", 5)

	// Then it takes the deleted slot rather than the end of the directory
	assertNames(t, []string{"a", "d", "c"}, f.list(t))
	if f.dir.Size != f.geo.BlockSize {
		t.Fatalf("size: wanted `%d`; found `%d`", f.geo.BlockSize, f.dir.Size)
	}
}

func TestInsertAppendsBlocks(t *testing.T) {
	for _, blockSize := range []Byte{1024, 65536} {
		t.Run(fmt.Sprint(blockSize), func(t *testing.T) {
			// Given a directory
			f := newFixture(t, blockSize)

			// When more entries are inserted than fit in one block
			var names []string
			for i := 0; f.dir.Size < 2*blockSize; i++ {
				name := fmt.Sprintf("%s-%04d", strings.Repeat("n", 200), i)
				f.insert(t, name, Ino(i+2))
				names = append(names, name)
			}

			// Then the directory grew by a block and every entry can be
			// found and listed in order
			for i, name := range names {
				entry, err := f.manager.Lookup(f.dev, &f.dir, name)
				if err != nil {
					t.Fatalf("Lookup(%s): unexpected err: %v", name, err)
				}
				if entry.Ino != Ino(i+2) {
					t.Fatalf("wanted `%d`; found `%d`", i+2, entry.Ino)
				}
			}
			assertNames(t, names, f.list(t))
		})
	}
}

func TestReplace(t *testing.T) {
	f := newFixture(t, 1024)
	f.insert(t, "a", 2)

	var old DirEntry
	f.do(t, func(tx *journal.Txn) error {
		var err error
		old, err = f.manager.Replace(tx, &f.dir, "a", 7, FileTypeDir)
		return err
	})

	if old.Ino != 2 {
		t.Fatalf("old: wanted `2`; found `%d`", old.Ino)
	}
	entry, err := f.manager.Lookup(f.dev, &f.dir, "a")
	if err != nil {
		t.Fatalf("Lookup(): unexpected err: %v", err)
	}
	if entry.Ino != 7 || entry.FileType != FileTypeDir {
		t.Fatalf("wanted `7`/`Dir`; found `%d`/`%v`", entry.Ino, entry.FileType)
	}
}

func TestListerEOFIsSticky(t *testing.T) {
	f := newFixture(t, 1024)
	f.insert(t, "a", 2)
	lister, err := f.manager.List(f.dev, &f.dir)
	if err != nil {
		t.Fatalf("List(): unexpected err: %v", err)
	}
	var entry DirEntry
	if err := lister.Next(&entry); err != nil {
		t.Fatalf("Next(): unexpected err: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := lister.Next(&entry); err != io.EOF {
			t.Fatalf("wanted `%v`; found `%v`", io.EOF, err)
		}
	}
}

func TestLookupNotADir(t *testing.T) {
	f := newFixture(t, 1024)
	file := Inode{Ino: 2, Mode: NewMode(FileTypeRegular, 0644)}
	if _, err := f.manager.Lookup(f.dev, &file, "a"); !errors.Is(err, NotADirErr) {
		t.Fatalf("wanted `%v`; found `%v`", NotADirErr, err)
	}
}
