package mfs

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/weberc2/mfs/pkg/security"
	. "github.com/weberc2/mfs/pkg/types"
)

// FormatParams describe a fresh volume. Zero values pick the defaults.
type FormatParams struct {
	// JournalBlocks defaults to `clamp(blocks/64, 32, 2048)`.
	JournalBlocks uint64

	// InodesPerGroup defaults to one inode per 16KiB of group space.
	InodesPerGroup uint64

	// Features defaults to `DefaultFeatures`. Use `NoFeatures` for a volume
	// with none.
	Features Features

	// NoFeatures formats with every feature bit clear.
	NoFeatures bool

	// MaxMountCount defaults to `DefaultMaxMountCount`.
	MaxMountCount uint16

	// UUID defaults to a random one.
	UUID uuid.UUID

	// RootUID and RootGID own the root directory.
	RootUID uint16
	RootGID uint16

	Clock  clock.Clock
	Logger *slog.Logger
}

// Options configure a mount.
type Options struct {
	// ReadOnly mounts without touching the device beyond journal recovery.
	ReadOnly bool

	// CacheBlocks puts an LRU block cache of that many blocks in front of
	// the device. Zero disables caching.
	CacheBlocks int

	// AllowDoubleFree makes freeing a free block or inode a logged no-op.
	AllowDoubleFree bool

	// NoRootBypass subjects uid 0 to permission checks.
	NoRootBypass bool

	// AuditSink receives permission decisions. Nil disables auditing.
	AuditSink        security.Sink
	AuditDenialsOnly bool

	// Metrics are updated as the filesystem works. Nil disables them.
	Metrics *Metrics

	Clock  clock.Clock
	Logger *slog.Logger
}
