package mfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/weberc2/mfs/pkg/directory"
	"github.com/weberc2/mfs/pkg/inode"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/math"
	"github.com/weberc2/mfs/pkg/security"
	. "github.com/weberc2/mfs/pkg/types"
)

// Create makes an empty regular file `name` in `parent`, owned by `cred`.
func (fs *FileSystem) Create(
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
		NewMode(FileTypeRegular, perm),
		nil,
	)
	if err != nil {
		return InoNil, fmt.Errorf(
			"creating file `%s` in dir `%d`: %w",
			name,
			parent,
			err,
		)
	}
	return ino, nil
}

// createNode allocates an inode with `mode` and links it into `parent` as
// `name`. `init` completes the new inode, and may adjust the parent, before
// both are written.
func (fs *FileSystem) createNode(
	ctx context.Context,
	cred security.Cred,
	parent Ino,
	name string,
	mode Mode,
	init func(tx *journal.Txn, dir, node *Inode) error,
) (Ino, error) {
	var ino Ino
	err := fs.update(func(tx *journal.Txn) error {
		if err := directory.ValidateName(name); err != nil {
			return err
		}

		var dir Inode
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

		if _, err := fs.dirs.Lookup(tx, &dir, name); err == nil {
			return AlreadyExistsErr
		} else if !errors.Is(err, NotFoundErr) {
			return err
		}

		var err error
		ino, err = fs.alloc.AllocateInode(
			tx,
			fs.geo.GroupOfIno(parent),
			mode.FileType() == FileTypeDir,
		)
		if err != nil {
			return err
		}

		now := fs.now()
		node := Inode{
			Ino:        ino,
			Mode:       mode,
			UID:        cred.UID,
			GID:        cred.GID,
			LinksCount: 1,
			Atime:      now,
			Mtime:      now,
			Ctime:      now,
		}
		if init != nil {
			if err := init(tx, &dir, &node); err != nil {
				return err
			}
		}

		if err := fs.dirs.Insert(tx, &dir, name, ino, mode.FileType()); err != nil {
			return err
		}
		dir.Mtime, dir.Ctime = now, now
		if err := fs.table.Write(tx, &dir); err != nil {
			return err
		}
		if err := fs.table.Write(tx, &node); err != nil {
			return err
		}
		fs.touchDir(tx, parent)
		return nil
	})
	return ino, err
}

// Read returns up to `length` bytes starting at `offset`; fewer at the end
// of the file. Holes read as zeros. Access times are not updated.
func (fs *FileSystem) Read(
	ctx context.Context,
	cred security.Cred,
	ino Ino,
	offset Byte,
	length Byte,
) ([]byte, error) {
	var out []byte
	if err := fs.view(func(r BlockReader) error {
		var node Inode
		if err := fs.readInode(r, ino, &node); err != nil {
			return err
		}
		if node.IsDir() {
			return IsADirErr
		}
		if err := fs.authorize(ctx, cred, &node, security.OpRead); err != nil {
			return err
		}
		if offset >= node.Size {
			out = []byte{}
			return nil
		}
		out = make([]byte, math.Min(length, node.Size-offset))
		return fs.readData(r, &node, offset, out)
	}); err != nil {
		return nil, fmt.Errorf(
			"reading `%d` bytes at `%d` from inode `%d`: %w",
			length,
			offset,
			ino,
			err,
		)
	}
	return out, nil
}

func (fs *FileSystem) readData(
	r BlockReader,
	node *Inode,
	offset Byte,
	p []byte,
) error {
	bs := fs.geo.BlockSize
	buf := make([]byte, bs)
	for done := Byte(0); done < Byte(len(p)); {
		pos := offset + done
		within := pos % bs
		n := math.Min(bs-within, Byte(len(p))-done)

		block, err := fs.addr.Resolve(r, node, uint64(pos/bs))
		if err != nil {
			return err
		}
		if block == BlockNil {
			clear(p[done : done+n])
		} else {
			if err := r.ReadBlock(block, buf); err != nil {
				return err
			}
			copy(p[done:done+n], buf[within:within+n])
		}
		done += n
	}
	return nil
}

// Write writes `data` at `offset`, growing the file as needed, and returns
// the number of bytes written. Data blocks are written before the
// transaction that maps them commits; they are not journaled.
func (fs *FileSystem) Write(
	ctx context.Context,
	cred security.Cred,
	ino Ino,
	offset Byte,
	data []byte,
) (int, error) {
	if err := fs.update(func(tx *journal.Txn) error {
		var node Inode
		if err := fs.readInode(tx, ino, &node); err != nil {
			return err
		}
		if node.IsDir() {
			return IsADirErr
		}
		if err := fs.authorize(ctx, cred, &node, security.OpWrite); err != nil {
			return err
		}
		return fs.writeData(tx, &node, offset, data)
	}); err != nil {
		return 0, fmt.Errorf(
			"writing `%d` bytes at `%d` to inode `%d`: %w",
			len(data),
			offset,
			ino,
			err,
		)
	}
	return len(data), nil
}

// target is a data block a write lands in. A fresh block has never held
// this file's data.
type target struct {
	block Block
	fresh bool
}

// writeData maps every block `data` covers, allocating each run of holes as
// consecutively as the allocator can, stages `node`, and once the
// transaction is known to fit in the journal writes the data blocks.
func (fs *FileSystem) writeData(
	tx *journal.Txn,
	node *Inode,
	offset Byte,
	data []byte,
) error {
	if len(data) == 0 {
		return nil
	}
	end := offset + Byte(len(data))
	if end < offset || end > inode.MaxSize(&fs.geo) {
		return FileTooLargeErr
	}
	if end > node.Size {
		if err := fs.zeroTail(tx, node); err != nil {
			return err
		}
	}

	bs := fs.geo.BlockSize
	first, last := uint64(offset/bs), uint64((end-1)/bs)
	hint, err := fs.writeHint(tx, node, first)
	if err != nil {
		return err
	}

	targets := make([]target, 0, last-first+1)
	for i := first; i <= last; {
		block, err := fs.addr.Resolve(tx, node, i)
		if err != nil {
			return err
		}
		if block != BlockNil {
			targets = append(targets, target{block: block})
			hint = block
			i++
			continue
		}

		j := i + 1
		for ; j <= last; j++ {
			next, err := fs.addr.Resolve(tx, node, j)
			if err != nil {
				return err
			}
			if next != BlockNil {
				break
			}
		}

		allocation, err := fs.alloc.AllocateConsecutive(tx, j-i, hint)
		if err != nil {
			return err
		}
		for k, block := range allocation.Blocks() {
			if err := fs.addr.Map(tx, node, i+uint64(k), block); err != nil {
				return err
			}
			targets = append(targets, target{block: block, fresh: true})
			hint = block
		}
		i = j
	}

	now := fs.now()
	node.Size = math.Max(node.Size, end)
	node.Mtime, node.Ctime = now, now
	if err := fs.table.Write(tx, node); err != nil {
		return err
	}

	// nothing reaches the data blocks unless the metadata can commit
	if err := tx.Fits(); err != nil {
		return err
	}

	buf := make([]byte, bs)
	for k, t := range targets {
		start := Byte(first+uint64(k)) * bs
		lo, hi := math.Max(offset, start), math.Min(end, start+bs)
		chunk := data[lo-offset : hi-offset]
		if hi-lo == bs {
			if err := fs.dev.WriteBlock(t.block, chunk); err != nil {
				return err
			}
			continue
		}
		if t.fresh {
			clear(buf)
		} else if err := fs.dev.ReadBlock(t.block, buf); err != nil {
			return err
		}
		copy(buf[lo-start:], chunk)
		if err := fs.dev.WriteBlock(t.block, buf); err != nil {
			return err
		}
	}
	return nil
}

// writeHint is the block new data for logical block `i` should follow: the
// block before it, or the start of the inode's group.
func (fs *FileSystem) writeHint(tx *journal.Txn, node *Inode, i uint64) (Block, error) {
	if i > 0 {
		prev, err := fs.addr.Resolve(tx, node, i-1)
		if err != nil {
			return BlockNil, err
		}
		if prev != BlockNil {
			return prev, nil
		}
	}
	return fs.geo.DataStart(fs.geo.GroupOfIno(node.Ino)), nil
}

// zeroTail clears the bytes past the end of the file in its last block so
// they read as zeros once the file grows over them.
func (fs *FileSystem) zeroTail(tx *journal.Txn, node *Inode) error {
	bs := fs.geo.BlockSize
	within := node.Size % bs
	if within == 0 {
		return nil
	}
	block, err := fs.addr.Resolve(tx, node, uint64(node.Size/bs))
	if err != nil || block == BlockNil {
		return err
	}
	buf := make([]byte, bs)
	if err := fs.dev.ReadBlock(block, buf); err != nil {
		return err
	}
	clear(buf[within:])
	return fs.dev.WriteBlock(block, buf)
}

// Truncate sets the size of a file, freeing every block past the new end.
func (fs *FileSystem) Truncate(
	ctx context.Context,
	cred security.Cred,
	ino Ino,
	size Byte,
) error {
	if err := fs.update(func(tx *journal.Txn) error {
		var node Inode
		if err := fs.readInode(tx, ino, &node); err != nil {
			return err
		}
		if node.IsDir() {
			return IsADirErr
		}
		if err := fs.authorize(ctx, cred, &node, security.OpWrite); err != nil {
			return err
		}
		if size > node.Size {
			if size > inode.MaxSize(&fs.geo) {
				return FileTooLargeErr
			}
			if err := fs.zeroTail(tx, &node); err != nil {
				return err
			}
		}
		if err := fs.addr.Truncate(tx, &node, size); err != nil {
			return err
		}
		now := fs.now()
		node.Mtime, node.Ctime = now, now
		return fs.table.Write(tx, &node)
	}); err != nil {
		return fmt.Errorf("truncating inode `%d` to `%d`: %w", ino, size, err)
	}
	return nil
}

// Stat needs no permission on the inode itself.
func (fs *FileSystem) Stat(ino Ino) (Metadata, error) {
	var node Inode
	if err := fs.view(func(r BlockReader) error {
		return fs.readInode(r, ino, &node)
	}); err != nil {
		return Metadata{}, fmt.Errorf("stat inode `%d`: %w", ino, err)
	}
	return node.Metadata(), nil
}

// Chmod replaces the permission bits. Only the owner or root may.
func (fs *FileSystem) Chmod(
	ctx context.Context,
	cred security.Cred,
	ino Ino,
	perm uint16,
) error {
	if err := fs.update(func(tx *journal.Txn) error {
		var node Inode
		if err := fs.readInode(tx, ino, &node); err != nil {
			return err
		}
		if err := fs.security.CheckOwner(ctx, cred, &node); err != nil {
			return err
		}
		node.Mode = node.Mode.WithPerm(perm)
		node.Ctime = fs.now()
		return fs.table.Write(tx, &node)
	}); err != nil {
		return fmt.Errorf("chmod inode `%d` to `%#o`: %w", ino, perm, err)
	}
	return nil
}

// Chown changes ownership. Giving a file to another user takes root; the
// owner may change its group.
func (fs *FileSystem) Chown(
	ctx context.Context,
	cred security.Cred,
	ino Ino,
	uid uint16,
	gid uint16,
) error {
	if err := fs.update(func(tx *journal.Txn) error {
		var node Inode
		if err := fs.readInode(tx, ino, &node); err != nil {
			return err
		}
		if uid != node.UID {
			if err := fs.security.CheckRoot(ctx, cred, &node); err != nil {
				return err
			}
		} else if err := fs.security.CheckOwner(ctx, cred, &node); err != nil {
			return err
		}
		node.UID, node.GID = uid, gid
		node.Ctime = fs.now()
		return fs.table.Write(tx, &node)
	}); err != nil {
		return fmt.Errorf(
			"chown inode `%d` to `%d:%d`: %w",
			ino,
			uid,
			gid,
			err,
		)
	}
	return nil
}

// Symlink creates `name` in `parent` pointing at `target`. The target is
// stored as the link's data.
func (fs *FileSystem) Symlink(
	ctx context.Context,
	cred security.Cred,
	parent Ino,
	name string,
	target string,
) (Ino, error) {
	if target == "" {
		return InoNil, fmt.Errorf(
			"creating symlink `%s` in dir `%d`: empty target: %w",
			name,
			parent,
			InvalidNameErr,
		)
	}
	ino, err := fs.createNode(
		ctx,
		cred,
		parent,
		name,
		NewMode(FileTypeSymlink, 0o777),
		func(tx *journal.Txn, _, node *Inode) error {
			return fs.writeData(tx, node, 0, []byte(target))
		},
	)
	if err != nil {
		return InoNil, fmt.Errorf(
			"creating symlink `%s` in dir `%d`: %w",
			name,
			parent,
			err,
		)
	}
	return ino, nil
}

func (fs *FileSystem) Readlink(ino Ino) (string, error) {
	var target []byte
	if err := fs.view(func(r BlockReader) error {
		var node Inode
		if err := fs.readInode(r, ino, &node); err != nil {
			return err
		}
		if node.FileType() != FileTypeSymlink {
			return NotASymlinkErr
		}
		target = make([]byte, node.Size)
		return fs.readData(r, &node, 0, target)
	}); err != nil {
		return "", fmt.Errorf("reading link `%d`: %w", ino, err)
	}
	return string(target), nil
}
