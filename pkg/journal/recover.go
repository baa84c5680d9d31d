package journal

import (
	"bytes"
	"fmt"

	. "github.com/weberc2/mfs/pkg/types"
)

// Transaction is a committed transaction found in the log.
type Transaction struct {
	FirstSeq uint64
	Targets  []Block
	Payloads [][]byte
}

// Scan is the result of reading the log from the last checkpoint.
type Scan struct {
	Transactions []Transaction

	// Discarded counts trailing entries that never reached a commit entry.
	Discarded int

	// nextSlot/nextSeq follow the last committed transaction.
	nextSlot uint64
	nextSeq  uint64
}

func (s *Scan) Entries() int {
	n := 0
	for i := range s.Transactions {
		n += len(s.Transactions[i].Targets)
	}
	return n
}

// Recover replays every committed transaction after the last checkpoint and
// checkpoints past them. Entries after the last commit entry are discarded.
// It fails with `JournalCorruptErr` if the log is not strictly sequential or
// an entry of a committed transaction fails its checksum; in that case
// nothing is applied.
func (j *Journal) Recover() (Scan, error) {
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.disabled {
		j.broken = nil
		return Scan{}, nil
	}

	h, err := j.readHeader()
	if err != nil {
		return Scan{}, fmt.Errorf("recovering journal: %w", err)
	}
	j.head, j.nextSeq = h.TailSlot, h.TailSeq

	scan, err := j.scan()
	if err != nil {
		return Scan{}, fmt.Errorf("recovering journal: %w", err)
	}

	if err := j.replay(scan.Transactions); err != nil {
		return scan, fmt.Errorf("recovering journal: %w", err)
	}

	j.head, j.nextSeq = scan.nextSlot, scan.nextSeq
	if err := j.checkpoint(); err != nil {
		return scan, fmt.Errorf("recovering journal: %w", err)
	}
	j.broken = nil

	if len(scan.Transactions) > 0 || scan.Discarded > 0 {
		j.logger.Info(
			"recovered journal",
			"transactions", len(scan.Transactions),
			"entries", scan.Entries(),
			"discarded", scan.Discarded,
		)
	}
	if j.observer != nil {
		j.observer.Replayed(len(scan.Transactions), scan.Entries())
	}
	return scan, nil
}

// Scan reads the committed transactions after the last checkpoint without
// applying anything.
func (j *Journal) Scan() (Scan, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.disabled {
		return Scan{}, nil
	}
	h, err := j.readHeader()
	if err != nil {
		return Scan{}, err
	}
	j.head, j.nextSeq = h.TailSlot, h.TailSeq
	return j.scan()
}

// Replay applies `transactions` to their home locations. Replaying the same
// transactions any number of times leaves the same block contents as
// replaying them once.
func (j *Journal) Replay(transactions []Transaction) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.replay(transactions)
}

func (j *Journal) replay(transactions []Transaction) error {
	for i := range transactions {
		if err := j.apply(
			transactions[i].Targets,
			transactions[i].Payloads,
			nil,
		); err != nil {
			return fmt.Errorf(
				"replaying transaction at sequence `%d`: %w",
				transactions[i].FirstSeq,
				err,
			)
		}
	}
	if err := j.dev.Sync(); err != nil {
		return fmt.Errorf("replaying transactions: %w", err)
	}
	return nil
}

func (j *Journal) scan() (Scan, error) {
	out := Scan{nextSlot: j.head, nextSeq: j.nextSeq}

	var pending Transaction
	slot, expected := j.head, j.nextSeq
	for i := uint64(0); i < j.slots; i++ {
		d, payload, valid, err := j.readEntry(slot)
		if err != nil {
			return Scan{}, err
		}

		// an entry from a previous lap (or a never-written slot) ends the log
		if d.Magic != entryMagic || d.Seq < expected {
			break
		}
		if d.Seq > expected {
			return Scan{}, fmt.Errorf(
				"scanning slot `%d`: wanted sequence `%d`; found `%d`: %w",
				slot,
				expected,
				d.Seq,
				JournalCorruptErr,
			)
		}
		if !valid {
			// a torn final write is the end of the log; a bad entry with
			// more log after it is corruption
			next, _, nextValid, err := j.readEntry((slot + 1) % j.slots)
			if err != nil {
				return Scan{}, err
			}
			if next.Magic == entryMagic && next.Seq == expected+1 && nextValid {
				return Scan{}, fmt.Errorf(
					"scanning slot `%d`: checksum mismatch at sequence "+
						"`%d`: %w",
					slot,
					d.Seq,
					JournalCorruptErr,
				)
			}
			break
		}
		if j.contains(d.Target) || uint64(d.Target) >= j.dev.BlockCount() {
			return Scan{}, fmt.Errorf(
				"scanning slot `%d`: target block `%d`: %w",
				slot,
				d.Target,
				JournalCorruptErr,
			)
		}

		if len(pending.Targets) == 0 {
			pending.FirstSeq = d.Seq
		}
		pending.Targets = append(pending.Targets, d.Target)
		pending.Payloads = append(pending.Payloads, payload)
		slot = (slot + 1) % j.slots
		expected++

		if d.Commit {
			out.Transactions = append(out.Transactions, pending)
			out.nextSlot, out.nextSeq = slot, expected
			pending = Transaction{}
		}
	}
	out.Discarded = len(pending.Targets)
	return out, nil
}

// readEntry reads the entry in `slot`. `valid` is false when checksums are
// enabled and the entry doesn't match its checksum.
func (j *Journal) readEntry(slot uint64) (descriptor, []byte, bool, error) {
	desc := make([]byte, j.dev.BlockSize())
	if err := j.dev.ReadBlock(j.descriptorBlock(slot), desc); err != nil {
		return descriptor{}, nil, false, fmt.Errorf(
			"reading journal slot `%d`: %w",
			slot,
			err,
		)
	}
	var d descriptor
	decodeDescriptor(&d, desc)
	if d.Magic != entryMagic {
		return d, nil, false, nil
	}

	payload := make([]byte, j.dev.BlockSize())
	if err := j.dev.ReadBlock(j.payloadBlock(slot), payload); err != nil {
		return descriptor{}, nil, false, fmt.Errorf(
			"reading journal slot `%d`: %w",
			slot,
			err,
		)
	}

	if !j.checksums {
		return d, payload, true, nil
	}
	for i := descChecksumStart; i < descChecksumEnd; i++ {
		desc[i] = 0
	}
	sum := checksum(desc, payload)
	return d, payload, bytes.Equal(sum[:], d.Checksum[:]), nil
}
