// Package security enforces Unix permission checks on inodes: exactly one
// of the owner, group and other classes governs each decision.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	. "github.com/weberc2/mfs/pkg/types"
)

// Op is a set of requested permission bits, laid out like the "other"
// class of a mode.
type Op uint8

const (
	OpExecute Op = 1 << iota
	OpWrite
	OpRead
)

func (op Op) String() string {
	if op == 0 {
		return "none"
	}
	var parts []string
	if op&OpRead != 0 {
		parts = append(parts, "read")
	}
	if op&OpWrite != 0 {
		parts = append(parts, "write")
	}
	if op&OpExecute != 0 {
		parts = append(parts, "execute")
	}
	return strings.Join(parts, "+")
}

// Cred identifies the caller of an operation.
type Cred struct {
	UID uint16
	GID uint16
}

// Root is the superuser.
var Root = Cred{}

// Class returns the permission bits of the class that governs `cred` for a
// file with `mode` owned by `uid`/`gid`: owner if the uid matches, else
// group if the gid matches, else other. The other class grants nothing on
// a private inode.
func Class(cred Cred, mode Mode, uid, gid uint16) Op {
	perm := mode.Perm()
	switch {
	case cred.UID == uid:
		return Op(perm>>6) & 7
	case cred.GID == gid:
		return Op(perm>>3) & 7
	case Private(mode, uid, gid):
		return 0
	default:
		return Op(perm) & 7
	}
}

// Private reports whether an inode is closed to the other class: a
// non-directory whose owner and group are both set. Directories and inodes
// owned by root or its group keep their other bits, so the tree stays
// traversable.
func Private(mode Mode, uid, gid uint16) bool {
	return mode.FileType() != FileTypeDir && uid != Root.UID && gid != Root.GID
}

// Allowed reports whether the governing class grants every bit of `op`.
func Allowed(cred Cred, mode Mode, uid, gid uint16, op Op) bool {
	return Class(cred, mode, uid, gid)&op == op
}

// Observer is notified of denials; metrics hang off it.
type Observer interface {
	Denied(op Op)
}

type Options struct {
	// Disabled allows every operation; set when the volume lacks the
	// security feature.
	Disabled bool

	// NoRootBypass subjects uid 0 to the same checks as everyone else.
	NoRootBypass bool

	// Sink receives an audit event for every decision (or only denials,
	// with AuditDenialsOnly). Nil disables auditing.
	Sink             Sink
	AuditDenialsOnly bool

	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
}

type Checker struct {
	enabled     bool
	rootBypass  bool
	sink        Sink
	denialsOnly bool
	clock       clock.Clock
	logger      *slog.Logger
	observer    Observer
}

func New(options *Options) *Checker {
	c := Checker{
		enabled:    true,
		rootBypass: true,
		clock:      clock.New(),
		logger:     slog.Default(),
	}
	if options != nil {
		c.enabled = !options.Disabled
		c.rootBypass = !options.NoRootBypass
		c.sink = options.Sink
		c.denialsOnly = options.AuditDenialsOnly
		c.observer = options.Observer
		if options.Clock != nil {
			c.clock = options.Clock
		}
		if options.Logger != nil {
			c.logger = options.Logger
		}
	}
	c.logger = c.logger.With("component", "security")
	return &c
}

// Check fails with `PermissionDeniedErr` unless `cred` may perform `op` on
// `inode`. Root may do anything except execute a regular file with no
// execute bit set.
func (c *Checker) Check(ctx context.Context, cred Cred, inode *Inode, op Op) error {
	if !c.enabled {
		return nil
	}
	allowed := c.allowed(cred, inode, op)
	c.audit(ctx, cred, inode, op, allowed)
	if !allowed {
		return c.deny(cred, inode, op)
	}
	return nil
}

// CheckOwner fails with `PermissionDeniedErr` unless `cred` owns `inode` or
// is root. Changing a file's mode or group requires it.
func (c *Checker) CheckOwner(ctx context.Context, cred Cred, inode *Inode) error {
	if !c.enabled {
		return nil
	}
	allowed := cred.UID == inode.UID || c.isRoot(cred)
	c.audit(ctx, cred, inode, 0, allowed)
	if !allowed {
		return c.deny(cred, inode, 0)
	}
	return nil
}

// CheckRoot fails with `PermissionDeniedErr` unless `cred` is root. Giving a
// file to another user requires it.
func (c *Checker) CheckRoot(ctx context.Context, cred Cred, inode *Inode) error {
	if !c.enabled {
		return nil
	}
	allowed := c.isRoot(cred)
	c.audit(ctx, cred, inode, 0, allowed)
	if !allowed {
		return c.deny(cred, inode, 0)
	}
	return nil
}

func (c *Checker) isRoot(cred Cred) bool {
	return c.rootBypass && cred.UID == Root.UID
}

func (c *Checker) allowed(cred Cred, inode *Inode, op Op) bool {
	if c.isRoot(cred) {
		if op&OpExecute == 0 || inode.IsDir() {
			return true
		}
		return inode.Mode.Perm()&0111 != 0
	}
	return Allowed(cred, inode.Mode, inode.UID, inode.GID, op)
}

func (c *Checker) deny(cred Cred, inode *Inode, op Op) error {
	c.logger.Debug(
		"permission denied",
		"uid", cred.UID,
		"gid", cred.GID,
		"ino", inode.Ino,
		"op", op.String(),
		"mode", inode.Mode.String(),
	)
	if c.observer != nil {
		c.observer.Denied(op)
	}
	return fmt.Errorf(
		"uid `%d` gid `%d` %s on inode `%d` (%s `%d:%d`): %w",
		cred.UID,
		cred.GID,
		op,
		inode.Ino,
		inode.Mode,
		inode.UID,
		inode.GID,
		PermissionDeniedErr,
	)
}

func (c *Checker) audit(
	ctx context.Context,
	cred Cred,
	inode *Inode,
	op Op,
	allowed bool,
) {
	if c.sink == nil || (allowed && c.denialsOnly) {
		return
	}
	event := Event{
		ID:      uuid.New(),
		UID:     cred.UID,
		GID:     cred.GID,
		Ino:     inode.Ino,
		AuditID: inode.AuditID,
		Op:      op,
		Allowed: allowed,
		Time:    c.clock.Now().UTC(),
	}
	// a failing sink never fails the operation being audited
	if err := c.sink.Audit(ctx, &event); err != nil {
		c.logger.Error(
			"emitting audit event",
			"id", event.ID.String(),
			"err", err.Error(),
		)
	}
}
