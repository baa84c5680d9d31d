package alloc

import (
	"fmt"

	"github.com/weberc2/mfs/pkg/journal"
	. "github.com/weberc2/mfs/pkg/types"
)

// AllocateInode reserves an inode number. Directories go to the group with
// the most free inodes to spread the tree out; everything else starts at
// the parent directory's group so a directory's files stay close to it.
func (a *Allocator) AllocateInode(
	tx journal.Stager,
	parentGroup uint64,
	isDir bool,
) (Ino, error) {
	if parentGroup >= a.geo.Groups {
		parentGroup = 0
	}

	start := parentGroup
	if isDir {
		start = a.emptiestGroup(parentGroup)
	}
	for i := uint64(0); i < a.geo.Groups; i++ {
		ino, ok, err := a.allocateInodeIn(tx, (start+i)%a.geo.Groups)
		if err != nil || ok {
			return ino, err
		}
	}
	return InoNil, fmt.Errorf("allocating inode: %w", DiskFullErr)
}

// FreeInode releases `ino`. Fails with `DoubleFreeErr` if it is already
// free (unless double frees are allowed).
func (a *Allocator) FreeInode(tx journal.Stager, ino Ino) error {
	if _, _, err := a.geo.InodeLocation(ino); err != nil {
		return fmt.Errorf("freeing inode: %w", err)
	}
	g := a.geo.GroupOfIno(ino)
	grp := &a.groups[g]
	grp.lock.Lock()
	defer grp.lock.Unlock()

	bm, err := a.inodeBitmap(tx, g)
	if err != nil {
		return fmt.Errorf("freeing inode `%d`: %w", ino, err)
	}
	local := uint64(ino-1) % a.geo.InodesPerGroup
	if !bm.Test(local) {
		if a.allowDoubleFree {
			a.logger.Warn("ignoring double free", "ino", ino)
			return nil
		}
		return fmt.Errorf("freeing inode `%d`: %w", ino, DoubleFreeErr)
	}
	bm.Clear(local)
	a.adjustInodes(tx, g, 1)
	return nil
}

func (a *Allocator) allocateInodeIn(
	tx journal.Stager,
	g uint64,
) (Ino, bool, error) {
	grp := &a.groups[g]
	grp.lock.Lock()
	defer grp.lock.Unlock()
	if grp.freeInodes == 0 {
		return InoNil, false, nil
	}

	bm, err := a.inodeBitmap(tx, g)
	if err != nil {
		return InoNil, false, err
	}
	local, ok := bm.FirstClear(0, a.geo.InodesPerGroup)
	if !ok {
		a.logger.Warn(
			"group free inode count disagrees with bitmap",
			"group", g,
			"freeInodes", grp.freeInodes,
		)
		grp.freeInodes = 0
		return InoNil, false, nil
	}
	bm.Set(local)
	a.adjustInodes(tx, g, -1)
	return a.geo.Ino(g, local), true, nil
}

// emptiestGroup returns the group with the most free inodes, ties going to
// the group nearest `near`.
func (a *Allocator) emptiestGroup(near uint64) uint64 {
	var best, bestFree uint64
	for g := uint64(0); g < a.geo.Groups; g++ {
		grp := &a.groups[g]
		grp.lock.Lock()
		free := grp.freeInodes
		grp.lock.Unlock()
		if free > bestFree ||
			(free == bestFree && distance(g, near) < distance(best, near)) {
			best, bestFree = g, free
		}
	}
	return best
}
