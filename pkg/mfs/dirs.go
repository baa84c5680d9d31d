package mfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/weberc2/mfs/pkg/directory"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/security"
	. "github.com/weberc2/mfs/pkg/types"
)

// Mkdir creates an empty directory `name` in `parent`.
func (fs *FileSystem) Mkdir(
	ctx context.Context,
	cred security.Cred,
	parent Ino,
	name string,
	perm uint16,
) (Ino, error) {
	ino, err := fs.createNode(
		ctx,
		cred,
		parent,
		name,
		NewMode(FileTypeDir, perm),
		func(tx *journal.Txn, dir, node *Inode) error {
			if err := fs.dirs.Init(tx, node, dir.Ino); err != nil {
				return err
			}
			// "." and the parent's entry; the child's ".." links the parent
			node.LinksCount = 2
			dir.LinksCount++
			return nil
		},
	)
	if err != nil {
		return InoNil, fmt.Errorf("mkdir `%s` in dir `%d`: %w", name, parent, err)
	}
	return ino, nil
}

// Rmdir removes the empty directory `name` from `parent`.
func (fs *FileSystem) Rmdir(
	ctx context.Context,
	cred security.Cred,
	parent Ino,
	name string,
) error {
	if err := fs.update(func(tx *journal.Txn) error {
		var dir, node Inode
		if err := fs.openEntry(ctx, tx, cred, parent, name, &dir, &node); err != nil {
			return err
		}
		if !node.IsDir() {
			return NotADirErr
		}
		empty, err := fs.dirs.IsEmpty(tx, &node)
		if err != nil {
			return err
		}
		if !empty {
			return DirNotEmptyErr
		}

		if _, err := fs.dirs.Remove(tx, &dir, name); err != nil {
			return err
		}
		dir.LinksCount--
		if err := fs.touch(tx, &dir); err != nil {
			return err
		}
		fs.touchDir(tx, node.Ino)
		return fs.release(tx, &node)
	}); err != nil {
		return fmt.Errorf("rmdir `%s` in dir `%d`: %w", name, parent, err)
	}
	return nil
}

// Unlink removes the non-directory entry `name` from `parent`. The inode
// and its blocks are freed with its last link.
func (fs *FileSystem) Unlink(
	ctx context.Context,
	cred security.Cred,
	parent Ino,
	name string,
) error {
	if err := fs.update(func(tx *journal.Txn) error {
		var dir, node Inode
		if err := fs.openEntry(ctx, tx, cred, parent, name, &dir, &node); err != nil {
			return err
		}
		if node.IsDir() {
			return IsADirErr
		}
		if _, err := fs.dirs.Remove(tx, &dir, name); err != nil {
			return err
		}
		if err := fs.touch(tx, &dir); err != nil {
			return err
		}
		return fs.dropLink(tx, &node)
	}); err != nil {
		return fmt.Errorf("unlinking `%s` from dir `%d`: %w", name, parent, err)
	}
	return nil
}

// openEntry reads the directory `parent`, checks that `cred` may modify it
// and reads the inode `name` refers to.
func (fs *FileSystem) openEntry(
	ctx context.Context,
	tx *journal.Txn,
	cred security.Cred,
	parent Ino,
	name string,
	dir *Inode,
	node *Inode,
) error {
	if err := directory.ValidateName(name); err != nil {
		return err
	}
	if err := fs.readDir(tx, parent, dir); err != nil {
		return err
	}
	if err := fs.authorize(
		ctx,
		cred,
		dir,
		security.OpWrite|security.OpExecute,
	); err != nil {
		return err
	}
	entry, err := fs.dirs.Lookup(tx, dir, name)
	if err != nil {
		return err
	}
	return fs.readInode(tx, entry.Ino, node)
}

// touch stamps a modified directory and stages it.
func (fs *FileSystem) touch(tx *journal.Txn, dir *Inode) error {
	now := fs.now()
	dir.Mtime, dir.Ctime = now, now
	if err := fs.table.Write(tx, dir); err != nil {
		return err
	}
	fs.touchDir(tx, dir.Ino)
	return nil
}

// dropLink releases one link to `node`, freeing it when it was the last.
func (fs *FileSystem) dropLink(tx *journal.Txn, node *Inode) error {
	if node.LinksCount > 1 && !node.IsDir() {
		node.LinksCount--
		node.Ctime = fs.now()
		return fs.table.Write(tx, node)
	}
	return fs.release(tx, node)
}

// release frees `node` and every block it owns.
func (fs *FileSystem) release(tx *journal.Txn, node *Inode) error {
	if err := fs.addr.Truncate(tx, node, 0); err != nil {
		return err
	}
	if err := fs.alloc.FreeInode(tx, node.Ino); err != nil {
		return err
	}
	return fs.table.Clear(tx, node.Ino)
}

// Lookup returns the inode `name` refers to in `parent`. "." and ".." are
// valid names here.
func (fs *FileSystem) Lookup(
	ctx context.Context,
	cred security.Cred,
	parent Ino,
	name string,
) (Ino, error) {
	var ino Ino
	if err := fs.view(func(r BlockReader) error {
		var err error
		ino, err = fs.lookup(ctx, r, cred, parent, name)
		return err
	}); err != nil {
		return InoNil, fmt.Errorf(
			"looking up `%s` in dir `%d`: %w",
			name,
			parent,
			err,
		)
	}
	return ino, nil
}

func (fs *FileSystem) lookup(
	ctx context.Context,
	r BlockReader,
	cred security.Cred,
	parent Ino,
	name string,
) (Ino, error) {
	if len(name) > MaxNameLen {
		return InoNil, NameTooLongErr
	}
	var dir Inode
	if err := fs.readDir(r, parent, &dir); err != nil {
		return InoNil, err
	}
	if err := fs.authorize(ctx, cred, &dir, security.OpExecute); err != nil {
		return InoNil, err
	}
	entry, err := fs.dirs.Lookup(r, &dir, name)
	if err != nil {
		return InoNil, err
	}
	return entry.Ino, nil
}

// ResolvePath walks an absolute, slash-separated path from the root.
// Symbolic links are not followed.
func (fs *FileSystem) ResolvePath(
	ctx context.Context,
	cred security.Cred,
	path string,
) (Ino, error) {
	if !strings.HasPrefix(path, "/") {
		return InoNil, fmt.Errorf(
			"resolving path `%s`: %w",
			path,
			NotAbsolutePathErr,
		)
	}
	ino := InoRoot
	if err := fs.view(func(r BlockReader) error {
		for _, name := range strings.Split(path, "/") {
			if name == "" {
				continue
			}
			next, err := fs.lookup(ctx, r, cred, ino, name)
			if err != nil {
				return fmt.Errorf("looking up `%s`: %w", name, err)
			}
			ino = next
		}
		return nil
	}); err != nil {
		return InoNil, fmt.Errorf("resolving path `%s`: %w", path, err)
	}
	return ino, nil
}

// Link adds the name `name` in `parent` for the existing non-directory
// `ino`.
func (fs *FileSystem) Link(
	ctx context.Context,
	cred security.Cred,
	ino Ino,
	parent Ino,
	name string,
) error {
	if err := fs.update(func(tx *journal.Txn) error {
		var node, dir Inode
		if err := fs.readInode(tx, ino, &node); err != nil {
			return err
		}
		if node.IsDir() {
			return IsADirErr
		}
		if err := fs.readDir(tx, parent, &dir); err != nil {
			return err
		}
		if err := fs.authorize(
			ctx,
			cred,
			&dir,
			security.OpWrite|security.OpExecute,
		); err != nil {
			return err
		}
		if err := fs.dirs.Insert(tx, &dir, name, ino, node.FileType()); err != nil {
			return err
		}
		if err := fs.touch(tx, &dir); err != nil {
			return err
		}
		node.LinksCount++
		node.Ctime = fs.now()
		return fs.table.Write(tx, &node)
	}); err != nil {
		return fmt.Errorf(
			"linking inode `%d` as `%s` in dir `%d`: %w",
			ino,
			name,
			parent,
			err,
		)
	}
	return nil
}

// Rename moves `oldName` in `oldParent` to `newName` in `newParent`,
// replacing a target that exists: a file by a non-directory, an empty
// directory by a directory.
func (fs *FileSystem) Rename(
	ctx context.Context,
	cred security.Cred,
	oldParent Ino,
	oldName string,
	newParent Ino,
	newName string,
) error {
	if err := fs.update(func(tx *journal.Txn) error {
		if err := directory.ValidateName(newName); err != nil {
			return err
		}
		var src, node Inode
		if err := fs.openEntry(
			ctx,
			tx,
			cred,
			oldParent,
			oldName,
			&src,
			&node,
		); err != nil {
			return err
		}

		// `dst` aliases `src` for a rename within one directory
		dst := &src
		if newParent != oldParent {
			dst = new(Inode)
			if err := fs.readDir(tx, newParent, dst); err != nil {
				return err
			}
			if err := fs.authorize(
				ctx,
				cred,
				dst,
				security.OpWrite|security.OpExecute,
			); err != nil {
				return err
			}
			if node.IsDir() {
				inside, err := fs.isAncestor(tx, node.Ino, newParent)
				if err != nil {
					return err
				}
				if inside {
					return fmt.Errorf(
						"moving dir `%d` into its own subtree: %w",
						node.Ino,
						InvalidNameErr,
					)
				}
			}
		}

		existing, err := fs.dirs.Lookup(tx, dst, newName)
		switch {
		case err == nil:
			if existing.Ino == node.Ino {
				return nil
			}
			if err := fs.replaceTarget(tx, dst, newName, &node, existing.Ino); err != nil {
				return err
			}
		case errors.Is(err, NotFoundErr):
			if err := fs.dirs.Insert(tx, dst, newName, node.Ino, node.FileType()); err != nil {
				return err
			}
		default:
			return err
		}

		if _, err := fs.dirs.Remove(tx, &src, oldName); err != nil {
			return err
		}

		if node.IsDir() && newParent != oldParent {
			if _, err := fs.dirs.Replace(
				tx,
				&node,
				directory.DotDot,
				newParent,
				FileTypeDir,
			); err != nil {
				return err
			}
			src.LinksCount--
			dst.LinksCount++
		}
		node.Ctime = fs.now()
		if err := fs.table.Write(tx, &node); err != nil {
			return err
		}
		if err := fs.touch(tx, &src); err != nil {
			return err
		}
		if dst != &src {
			return fs.touch(tx, dst)
		}
		return nil
	}); err != nil {
		return fmt.Errorf(
			"renaming `%s` in dir `%d` to `%s` in dir `%d`: %w",
			oldName,
			oldParent,
			newName,
			newParent,
			err,
		)
	}
	return nil
}

// replaceTarget points `name` in `dir` at `node` and drops the link the
// entry held on `victim`.
func (fs *FileSystem) replaceTarget(
	tx *journal.Txn,
	dir *Inode,
	name string,
	node *Inode,
	victim Ino,
) error {
	var old Inode
	if err := fs.readInode(tx, victim, &old); err != nil {
		return err
	}
	switch {
	case old.IsDir() && !node.IsDir():
		return IsADirErr
	case !old.IsDir() && node.IsDir():
		return NotADirErr
	case old.IsDir():
		empty, err := fs.dirs.IsEmpty(tx, &old)
		if err != nil {
			return err
		}
		if !empty {
			return DirNotEmptyErr
		}
		// the victim's ".." goes away with it
		dir.LinksCount--
		fs.touchDir(tx, old.Ino)
	}
	if _, err := fs.dirs.Replace(tx, dir, name, node.Ino, node.FileType()); err != nil {
		return err
	}
	return fs.dropLink(tx, &old)
}

// isAncestor reports whether `ancestor` is `dir` or lies on the path from
// `dir` up to the root.
func (fs *FileSystem) isAncestor(r BlockReader, ancestor, dir Ino) (bool, error) {
	// the walk is bounded so a corrupt ".." cycle can't hang it
	for i := uint64(0); i <= fs.geo.InodeCount(); i++ {
		if dir == ancestor {
			return true, nil
		}
		if dir == InoRoot {
			return false, nil
		}
		var node Inode
		if err := fs.readDir(r, dir, &node); err != nil {
			return false, err
		}
		entry, err := fs.dirs.Lookup(r, &node, directory.DotDot)
		if err != nil {
			return false, err
		}
		dir = entry.Ino
	}
	return false, fmt.Errorf("walking up from dir `%d`: cycle: %w", dir, IOErr)
}

// DirIter yields the entries of a directory, without "." and "..". Once the
// directory is modified every further call fails with `StaleListingErr`.
type DirIter struct {
	fs         *FileSystem
	ino        Ino
	generation uint64
	lister     *directory.Lister
}

// ListDir opens an iterator over `ino`, which `cred` must be able to read.
func (fs *FileSystem) ListDir(
	ctx context.Context,
	cred security.Cred,
	ino Ino,
) (*DirIter, error) {
	var it *DirIter
	if err := fs.view(func(r BlockReader) error {
		lister, err := fs.openLister(ctx, r, cred, ino)
		if err != nil {
			return err
		}
		it = &DirIter{
			fs:         fs,
			ino:        ino,
			generation: fs.generation(ino),
			lister:     lister,
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("listing dir `%d`: %w", ino, err)
	}
	return it, nil
}

func (fs *FileSystem) openLister(
	ctx context.Context,
	r BlockReader,
	cred security.Cred,
	ino Ino,
) (*directory.Lister, error) {
	var dir Inode
	if err := fs.readDir(r, ino, &dir); err != nil {
		return nil, err
	}
	if err := fs.authorize(ctx, cred, &dir, security.OpRead); err != nil {
		return nil, err
	}
	return fs.dirs.List(r, &dir)
}

// Next fills `entry` with the next live entry and returns `io.EOF` after
// the last.
func (it *DirIter) Next(entry *DirEntry) error {
	if err := it.fs.checkMounted(); err != nil {
		return fmt.Errorf("listing dir `%d`: %w", it.ino, err)
	}
	it.fs.applyLock.RLock()
	defer it.fs.applyLock.RUnlock()
	if it.fs.generation(it.ino) != it.generation {
		return fmt.Errorf("listing dir `%d`: %w", it.ino, StaleListingErr)
	}
	return it.lister.Next(entry)
}

// ReadDir returns every entry of `ino` from one consistent view.
func (fs *FileSystem) ReadDir(
	ctx context.Context,
	cred security.Cred,
	ino Ino,
) ([]DirEntry, error) {
	var entries []DirEntry
	if err := fs.view(func(r BlockReader) error {
		lister, err := fs.openLister(ctx, r, cred, ino)
		if err != nil {
			return err
		}
		for {
			var entry DirEntry
			if err := lister.Next(&entry); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			entries = append(entries, entry)
		}
	}); err != nil {
		return nil, fmt.Errorf("reading dir `%d`: %w", ino, err)
	}
	return entries, nil
}
