// Package journal implements the write-ahead metadata journal. Metadata
// block updates are staged in a transaction, written to a circular log as
// sequence-numbered entries whose last entry carries the commit flag, copied
// to their home locations, and then checkpointed. Recovery replays every
// transaction that reached its commit flag, in sequence order, and nothing
// else.
package journal

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/weberc2/mfs/pkg/device"
	. "github.com/weberc2/mfs/pkg/types"
)

type TxnState int

const (
	StateIdle TxnState = iota
	StateOpen
	StateCommitting
	StateApplied
)

func (s TxnState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOpen:
		return "TransactionOpen"
	case StateCommitting:
		return "Committing"
	case StateApplied:
		return "Applied"
	default:
		return fmt.Sprintf("TxnState(%d)", int(s))
	}
}

// Observer is notified of journal activity; metrics hang off it.
type Observer interface {
	Committed(entries int)
	RolledBack()
	Replayed(transactions, entries int)
}

type Options struct {
	// Disabled writes staged blocks straight to their home locations with no
	// crash safety.
	Disabled bool

	// Checksums verifies every entry on replay.
	Checksums bool

	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer

	// ApplyLock, when set, is held while committed blocks are copied to their
	// home locations so readers never see a half-applied transaction.
	ApplyLock sync.Locker
}

type Journal struct {
	dev       device.Device
	start     Block
	slots     uint64
	disabled  bool
	checksums bool
	clock     clock.Clock
	logger    *slog.Logger
	observer  Observer
	applyLock sync.Locker

	// lock serializes commits and recovery and guards everything below it
	lock    sync.Mutex
	state   TxnState
	head    uint64
	nextSeq uint64

	// broken is set when a commit failed after its commit entry may have
	// reached the device. Nothing more can be committed until the journal is
	// recovered.
	broken error
}

// Format initializes the journal region `[start, start+blocks)`: every block
// is zeroed so no stale entry survives, and the header points at slot 0 with
// sequence 1.
func Format(dev device.Device, start Block, blocks uint64, checksums bool) error {
	if blocks < MinBlocks {
		return fmt.Errorf(
			"formatting journal of `%d` blocks: need at least `%d`: %w",
			blocks,
			MinBlocks,
			FormatErr,
		)
	}

	zero := make([]byte, dev.BlockSize())
	for i := uint64(1); i < blocks; i++ {
		if err := dev.WriteBlock(start+Block(i), zero); err != nil {
			return fmt.Errorf("formatting journal: %w", err)
		}
	}

	h := header{TailSlot: 0, TailSeq: 1}
	if checksums {
		h.Flags |= headerFlagChecksums
	}
	encodeHeader(&h, zero)
	if err := dev.WriteBlock(start, zero); err != nil {
		return fmt.Errorf("formatting journal: writing header: %w", err)
	}
	return nil
}

// Open reads the journal header. The journal must be recovered before it is
// used; until then `Begin` works but commits may overwrite committed
// entries that were never checkpointed.
func Open(
	dev device.Device,
	start Block,
	blocks uint64,
	options *Options,
) (*Journal, error) {
	j := Journal{
		dev:    dev,
		start:  start,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	if options != nil {
		j.disabled = options.Disabled
		j.checksums = options.Checksums
		j.observer = options.Observer
		j.applyLock = options.ApplyLock
		if options.Clock != nil {
			j.clock = options.Clock
		}
		if options.Logger != nil {
			j.logger = options.Logger
		}
	}
	j.logger = j.logger.With("component", "journal")

	if j.disabled {
		return &j, nil
	}

	if blocks < MinBlocks {
		return nil, fmt.Errorf(
			"opening journal of `%d` blocks: %w",
			blocks,
			JournalCorruptErr,
		)
	}
	j.slots = (blocks - 1) / blocksPerSlot

	h, err := j.readHeader()
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if h.TailSlot >= j.slots {
		return nil, fmt.Errorf(
			"opening journal: tail slot `%d` of `%d`: %w",
			h.TailSlot,
			j.slots,
			JournalCorruptErr,
		)
	}
	j.head, j.nextSeq = h.TailSlot, h.TailSeq

	// checksumming is decided at format time
	if h.Flags&headerFlagChecksums != 0 {
		j.checksums = true
	}
	return &j, nil
}

func (j *Journal) State() TxnState {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.state
}

// Broken returns the error that left the journal needing recovery, if any.
func (j *Journal) Broken() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.broken
}

// Begin opens a transaction. Any number of transactions may be open; their
// commits are serialized.
func (j *Journal) Begin() *Txn {
	return &Txn{
		journal: j,
		state:   StateOpen,
		blocks:  make(map[Block][]byte),
	}
}

func (j *Journal) descriptorBlock(slot uint64) Block {
	return j.start + 1 + Block(slot*blocksPerSlot)
}

func (j *Journal) payloadBlock(slot uint64) Block {
	return j.descriptorBlock(slot) + 1
}

// contains reports whether `id` lies inside the journal region.
func (j *Journal) contains(id Block) bool {
	if j.disabled {
		return false
	}
	return id >= j.start && id < j.start+1+Block(j.slots*blocksPerSlot)
}

func (j *Journal) readHeader() (header, error) {
	b := make([]byte, j.dev.BlockSize())
	if err := j.dev.ReadBlock(j.start, b); err != nil {
		return header{}, fmt.Errorf("reading journal header: %w", err)
	}
	var h header
	if err := decodeHeader(&h, b); err != nil {
		return header{}, err
	}
	return h, nil
}

func (j *Journal) writeHeader() error {
	h := header{TailSlot: j.head, TailSeq: j.nextSeq}
	if j.checksums {
		h.Flags |= headerFlagChecksums
	}
	b := make([]byte, j.dev.BlockSize())
	encodeHeader(&h, b)
	if err := j.dev.WriteBlock(j.start, b); err != nil {
		return fmt.Errorf("writing journal header: %w", err)
	}
	return nil
}

// writeEntry writes the payload and then the descriptor of one entry.
func (j *Journal) writeEntry(
	slot uint64,
	seq uint64,
	target Block,
	payload []byte,
	timestamp uint64,
	commit bool,
	desc []byte,
) error {
	if err := j.dev.WriteBlock(j.payloadBlock(slot), payload); err != nil {
		return fmt.Errorf("writing journal entry `%d` payload: %w", seq, err)
	}

	d := descriptor{
		Seq:       seq,
		Target:    target,
		Timestamp: timestamp,
		Commit:    commit,
	}
	encodeDescriptor(&d, desc)
	if j.checksums {
		d.Checksum = checksum(desc, payload)
		encodeDescriptor(&d, desc)
	}
	if err := j.dev.WriteBlock(j.descriptorBlock(slot), desc); err != nil {
		return fmt.Errorf("writing journal entry `%d` descriptor: %w", seq, err)
	}
	return nil
}

// apply copies blocks to their home locations, in order, under the apply
// lock. `then`, if not nil, runs under the same lock once every block is
// written.
func (j *Journal) apply(targets []Block, payloads [][]byte, then func()) error {
	if j.applyLock != nil {
		j.applyLock.Lock()
		defer j.applyLock.Unlock()
	}
	for i, target := range targets {
		if err := j.dev.WriteBlock(target, payloads[i]); err != nil {
			return fmt.Errorf("applying block `%d`: %w", target, err)
		}
	}
	if then != nil {
		then()
	}
	return nil
}
