package mfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	. "github.com/weberc2/mfs/pkg/types"
)

func links(t *testing.T, fs *FileSystem, ino Ino) uint16 {
	t.Helper()
	md, err := fs.Stat(ino)
	if err != nil {
		t.Fatalf("Stat(%d): unexpected err: %v", ino, err)
	}
	return md.LinksCount
}

func TestCreateErrors(t *testing.T) {
	_, fs := newFileSystem(t)
	f := create(t, fs, InoRoot, "f")

	for _, testCase := range []struct {
		name   string
		parent Ino
		file   string
		wanted error
	}{
		{name: "exists", parent: InoRoot, file: "f", wanted: AlreadyExistsErr},
		{name: "empty", parent: InoRoot, file: "", wanted: InvalidNameErr},
		{name: "dot", parent: InoRoot, file: ".", wanted: InvalidNameErr},
		{name: "dotdot", parent: InoRoot, file: "..", wanted: InvalidNameErr},
		{name: "slash", parent: InoRoot, file: "a/b", wanted: InvalidNameErr},
		{
			name:   "too-long",
			parent: InoRoot,
			file:   strings.Repeat("x", MaxNameLen+1),
			wanted: NameTooLongErr,
		},
		{name: "parent-is-file", parent: f, file: "x", wanted: NotADirErr},
		{name: "parent-missing", parent: 9, file: "x", wanted: NotFoundErr},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := fs.Create(ctx, root, testCase.parent, testCase.file, 0o644)
			if !errors.Is(err, testCase.wanted) {
				t.Fatalf("Create(): wanted `%v`; found `%v`", testCase.wanted, err)
			}
		})
	}
	assertClean(t, fs)
}

func TestMkdirRmdir(t *testing.T) {
	_, fs := newFileSystem(t)

	// When a directory is made
	d := mkdir(t, fs, InoRoot, "d")

	// Then it links its parent and is linked by "." and its entry
	if wanted, found := uint16(3), links(t, fs, InoRoot); wanted != found {
		t.Fatalf("root links: wanted `%d`; found `%d`", wanted, found)
	}
	if wanted, found := uint16(2), links(t, fs, d); wanted != found {
		t.Fatalf("dir links: wanted `%d`; found `%d`", wanted, found)
	}
	parent, err := fs.Lookup(ctx, root, d, "..")
	if err != nil {
		t.Fatalf("Lookup(..): unexpected err: %v", err)
	}
	if parent != InoRoot {
		t.Fatalf("`..`: wanted `%d`; found `%d`", InoRoot, parent)
	}

	// and it can't be removed while it holds anything
	create(t, fs, d, "f")
	if err := fs.Rmdir(ctx, root, InoRoot, "d"); !errors.Is(err, DirNotEmptyErr) {
		t.Fatalf("Rmdir(): wanted `%v`; found `%v`", DirNotEmptyErr, err)
	}
	if err := fs.Unlink(ctx, root, InoRoot, "d"); !errors.Is(err, IsADirErr) {
		t.Fatalf("Unlink(dir): wanted `%v`; found `%v`", IsADirErr, err)
	}
	if err := fs.Rmdir(ctx, root, d, "f"); !errors.Is(err, NotADirErr) {
		t.Fatalf("Rmdir(file): wanted `%v`; found `%v`", NotADirErr, err)
	}

	// When it is emptied and removed
	if err := fs.Unlink(ctx, root, d, "f"); err != nil {
		t.Fatalf("Unlink(): unexpected err: %v", err)
	}
	if err := fs.Rmdir(ctx, root, InoRoot, "d"); err != nil {
		t.Fatalf("Rmdir(): unexpected err: %v", err)
	}

	// Then it is gone along with the parent's extra link
	if _, err := fs.Stat(d); !errors.Is(err, NotFoundErr) {
		t.Fatalf("Stat(): wanted `%v`; found `%v`", NotFoundErr, err)
	}
	if wanted, found := uint16(2), links(t, fs, InoRoot); wanted != found {
		t.Fatalf("root links: wanted `%d`; found `%d`", wanted, found)
	}
	assertNames(t, fs, InoRoot)
	assertClean(t, fs)
}

func TestUnlinkFreesInode(t *testing.T) {
	_, fs := newFileSystem(t)
	before, err := fs.Stats()
	if err != nil {
		t.Fatalf("Stats(): unexpected err: %v", err)
	}

	f := create(t, fs, InoRoot, "f")
	write(t, fs, f, 0, pattern(5000, 3))
	if err := fs.Unlink(ctx, root, InoRoot, "f"); err != nil {
		t.Fatalf("Unlink(): unexpected err: %v", err)
	}

	after, err := fs.Stats()
	if err != nil {
		t.Fatalf("Stats(): unexpected err: %v", err)
	}
	if wanted, found := before.FreeBlocks, after.FreeBlocks; wanted != found {
		t.Fatalf("free blocks: wanted `%d`; found `%d`", wanted, found)
	}
	if wanted, found := before.FreeInodes, after.FreeInodes; wanted != found {
		t.Fatalf("free inodes: wanted `%d`; found `%d`", wanted, found)
	}
	if err := fs.Unlink(ctx, root, InoRoot, "f"); !errors.Is(err, NotFoundErr) {
		t.Fatalf("Unlink(): wanted `%v`; found `%v`", NotFoundErr, err)
	}
	assertClean(t, fs)
}

func TestLink(t *testing.T) {
	_, fs := newFileSystem(t)
	d := mkdir(t, fs, InoRoot, "d")
	f := create(t, fs, InoRoot, "f")
	write(t, fs, f, 0, []byte("shared"))

	// When a second name is linked to the file
	if err := fs.Link(ctx, root, f, d, "g"); err != nil {
		t.Fatalf("Link(): unexpected err: %v", err)
	}
	if wanted, found := uint16(2), links(t, fs, f); wanted != found {
		t.Fatalf("links: wanted `%d`; found `%d`", wanted, found)
	}

	// Then removing the first name keeps the data reachable
	if err := fs.Unlink(ctx, root, InoRoot, "f"); err != nil {
		t.Fatalf("Unlink(): unexpected err: %v", err)
	}
	g, err := fs.ResolvePath(ctx, root, "/d/g")
	if err != nil {
		t.Fatalf("ResolvePath(): unexpected err: %v", err)
	}
	if found := readAll(t, fs, g); string(found) != "shared" {
		t.Fatalf("Read(): wanted `shared`; found `%q`", found)
	}
	if wanted, found := uint16(1), links(t, fs, g); wanted != found {
		t.Fatalf("links: wanted `%d`; found `%d`", wanted, found)
	}

	// and directories can't be linked
	if err := fs.Link(ctx, root, d, InoRoot, "d2"); !errors.Is(err, IsADirErr) {
		t.Fatalf("Link(dir): wanted `%v`; found `%v`", IsADirErr, err)
	}
	assertClean(t, fs)
}

func TestRename(t *testing.T) {
	t.Run("within-dir", func(t *testing.T) {
		_, fs := newFileSystem(t)
		f := create(t, fs, InoRoot, "a")
		if err := fs.Rename(ctx, root, InoRoot, "a", InoRoot, "b"); err != nil {
			t.Fatalf("Rename(): unexpected err: %v", err)
		}
		assertNames(t, fs, InoRoot, "b")
		found, err := fs.Lookup(ctx, root, InoRoot, "b")
		if err != nil {
			t.Fatalf("Lookup(): unexpected err: %v", err)
		}
		if found != f {
			t.Fatalf("Lookup(): wanted `%d`; found `%d`", f, found)
		}
		assertClean(t, fs)
	})

	t.Run("replaces-file", func(t *testing.T) {
		_, fs := newFileSystem(t)
		a := create(t, fs, InoRoot, "a")
		b := create(t, fs, InoRoot, "b")
		write(t, fs, b, 0, pattern(3000, 1))
		if err := fs.Rename(ctx, root, InoRoot, "a", InoRoot, "b"); err != nil {
			t.Fatalf("Rename(): unexpected err: %v", err)
		}
		assertNames(t, fs, InoRoot, "b")
		if _, err := fs.Stat(b); !errors.Is(err, NotFoundErr) {
			t.Fatalf("Stat(old b): wanted `%v`; found `%v`", NotFoundErr, err)
		}
		if found, _ := fs.Lookup(ctx, root, InoRoot, "b"); found != a {
			t.Fatalf("Lookup(): wanted `%d`; found `%d`", a, found)
		}
		assertClean(t, fs)
	})

	t.Run("moves-dir", func(t *testing.T) {
		_, fs := newFileSystem(t)
		x := mkdir(t, fs, InoRoot, "x")
		y := mkdir(t, fs, InoRoot, "y")
		d := mkdir(t, fs, x, "d")
		if err := fs.Rename(ctx, root, x, "d", y, "e"); err != nil {
			t.Fatalf("Rename(): unexpected err: %v", err)
		}
		assertNames(t, fs, x)
		assertNames(t, fs, y, "e")
		parent, err := fs.Lookup(ctx, root, d, "..")
		if err != nil {
			t.Fatalf("Lookup(..): unexpected err: %v", err)
		}
		if parent != y {
			t.Fatalf("`..`: wanted `%d`; found `%d`", y, parent)
		}
		if wanted, found := uint16(2), links(t, fs, x); wanted != found {
			t.Fatalf("x links: wanted `%d`; found `%d`", wanted, found)
		}
		if wanted, found := uint16(3), links(t, fs, y); wanted != found {
			t.Fatalf("y links: wanted `%d`; found `%d`", wanted, found)
		}
		assertClean(t, fs)
	})

	t.Run("errors", func(t *testing.T) {
		_, fs := newFileSystem(t)
		x := mkdir(t, fs, InoRoot, "x")
		sub := mkdir(t, fs, x, "sub")
		create(t, fs, InoRoot, "f")
		full := mkdir(t, fs, InoRoot, "full")
		create(t, fs, full, "g")

		for _, testCase := range []struct {
			name      string
			oldParent Ino
			oldName   string
			newParent Ino
			newName   string
			wanted    error
		}{
			{"missing", InoRoot, "nope", InoRoot, "a", NotFoundErr},
			{"into-itself", InoRoot, "x", x, "x2", InvalidNameErr},
			{"into-descendant", InoRoot, "x", sub, "x2", InvalidNameErr},
			{"dir-over-file", InoRoot, "x", InoRoot, "f", NotADirErr},
			{"file-over-dir", InoRoot, "f", InoRoot, "x", IsADirErr},
			{"over-non-empty", x, "sub", InoRoot, "full", DirNotEmptyErr},
			{"bad-name", InoRoot, "f", InoRoot, "..", InvalidNameErr},
		} {
			err := fs.Rename(
				ctx,
				root,
				testCase.oldParent,
				testCase.oldName,
				testCase.newParent,
				testCase.newName,
			)
			if !errors.Is(err, testCase.wanted) {
				t.Fatalf(
					"%s: Rename(): wanted `%v`; found `%v`",
					testCase.name,
					testCase.wanted,
					err,
				)
			}
		}
		assertClean(t, fs)
	})
}

func TestResolvePath(t *testing.T) {
	_, fs := newFileSystem(t)
	a := mkdir(t, fs, InoRoot, "a")
	b := mkdir(t, fs, a, "b")
	f := create(t, fs, b, "f")

	for _, testCase := range []struct {
		path   string
		wanted Ino
		err    error
	}{
		{path: "/", wanted: InoRoot},
		{path: "/a", wanted: a},
		{path: "/a/b/f", wanted: f},
		{path: "//a///b/", wanted: b},
		{path: "/a/b/../b/./f", wanted: f},
		{path: "/a/missing", err: NotFoundErr},
		{path: "/a/b/f/x", err: NotADirErr},
		{path: "a/b", err: NotAbsolutePathErr},
	} {
		found, err := fs.ResolvePath(ctx, root, testCase.path)
		if !errors.Is(err, testCase.err) {
			t.Fatalf("ResolvePath(%q): wanted `%v`; found `%v`", testCase.path, testCase.err, err)
		}
		if found != testCase.wanted {
			t.Fatalf("ResolvePath(%q): wanted `%d`; found `%d`", testCase.path, testCase.wanted, found)
		}
	}
}

func TestListDirManyEntries(t *testing.T) {
	// Given more entries than fit in one directory block
	_, fs := newFileSystem(t)
	d := mkdir(t, fs, InoRoot, "d")
	var wanted []string
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("file-with-a-long-name-%03d", i)
		create(t, fs, d, name)
		wanted = append(wanted, name)
	}

	// Then every one is listed, before and after a remount
	assertNames(t, fs, d, wanted...)
	md, err := fs.Stat(d)
	if err != nil {
		t.Fatalf("Stat(): unexpected err: %v", err)
	}
	if md.Size <= testBlockSize {
		t.Fatalf("dir size: wanted more than one block; found `%d`", md.Size)
	}
	assertClean(t, fs)
}

func TestListDirStale(t *testing.T) {
	_, fs := newFileSystem(t)
	d := mkdir(t, fs, InoRoot, "d")
	other := mkdir(t, fs, InoRoot, "other")
	create(t, fs, d, "a")
	create(t, fs, d, "b")

	// Given an open listing that has yielded one entry
	it, err := fs.ListDir(ctx, root, d)
	if err != nil {
		t.Fatalf("ListDir(): unexpected err: %v", err)
	}
	var entry DirEntry
	if err := it.Next(&entry); err != nil {
		t.Fatalf("Next(): unexpected err: %v", err)
	}

	// When the directory changes, the listing fails
	create(t, fs, d, "c")
	if err := it.Next(&entry); !errors.Is(err, StaleListingErr) {
		t.Fatalf("Next(): wanted `%v`; found `%v`", StaleListingErr, err)
	}

	// and a fresh listing runs to the end
	it, err = fs.ListDir(ctx, root, d)
	if err != nil {
		t.Fatalf("ListDir(): unexpected err: %v", err)
	}
	n := 0
	for {
		if err := it.Next(&entry); err != nil {
			if err != io.EOF {
				t.Fatalf("Next(): unexpected err: %v", err)
			}
			break
		}
		n++
	}
	if wanted, found := 3, n; wanted != found {
		t.Fatalf("entries: wanted `%d`; found `%d`", wanted, found)
	}

	// and changes to other directories don't disturb a listing
	it, err = fs.ListDir(ctx, root, d)
	if err != nil {
		t.Fatalf("ListDir(): unexpected err: %v", err)
	}
	create(t, fs, other, "x")
	for {
		if err := it.Next(&entry); err != nil {
			if err != io.EOF {
				t.Fatalf("Next(): unexpected err: %v", err)
			}
			break
		}
	}
}

func TestConcurrentOperations(t *testing.T) {
	// Given a mounted volume
	_, fs := newFileSystem(t)
	const workers, files = 8, 6

	// When several goroutines create, write, read back and unlink files in
	// the same directory at once, each keeping its odd-numbered files
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			errs <- churn(fs, w, files)
		}(w)
	}
	wg.Wait()
	close(errs)

	// Then no operation failed, only the kept files remain, and the volume
	// checks clean
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	var wanted []string
	for w := 0; w < workers; w++ {
		for i := 1; i < files; i += 2 {
			wanted = append(wanted, fmt.Sprintf("w%d-%d", w, i))
		}
	}
	sort.Strings(wanted)
	assertNames(t, fs, InoRoot, wanted...)
	assertClean(t, fs)
}

func churn(fs *FileSystem, w, files int) error {
	for i := 0; i < files; i++ {
		name := fmt.Sprintf("w%d-%d", w, i)
		data := pattern(3*int(testBlockSize)+w*7+i, byte(w*files+i))
		ino, err := fs.Create(ctx, root, InoRoot, name, 0o644)
		if err != nil {
			return fmt.Errorf("creating `%s`: %w", name, err)
		}
		if _, err := fs.Write(ctx, root, ino, 0, data); err != nil {
			return fmt.Errorf("writing `%s`: %w", name, err)
		}
		found, err := fs.Lookup(ctx, root, InoRoot, name)
		if err != nil {
			return fmt.Errorf("looking up `%s`: %w", name, err)
		}
		if found != ino {
			return fmt.Errorf("looking up `%s`: wanted `%d`; found `%d`", name, ino, found)
		}
		got, err := fs.Read(ctx, root, ino, 0, Byte(len(data)))
		if err != nil {
			return fmt.Errorf("reading `%s`: %w", name, err)
		}
		if !bytes.Equal(got, data) {
			return fmt.Errorf("reading `%s`: content mismatch", name)
		}
		if i%2 == 0 {
			if err := fs.Unlink(ctx, root, InoRoot, name); err != nil {
				return fmt.Errorf("unlinking `%s`: %w", name, err)
			}
		}
	}
	return nil
}
