package journal

import (
	"fmt"

	. "github.com/weberc2/mfs/pkg/types"
)

// Stager is the view of a transaction the allocation, inode and directory
// layers mutate metadata through.
type Stager interface {
	BlockReader

	// Block returns the transaction's mutable copy of `id`, reading it from
	// the device on first access.
	Block(id Block) ([]byte, error)

	// Zero stages a zero-filled block without reading the device.
	Zero(id Block) ([]byte, error)

	// Forget drops `id` from the transaction, e.g. when the block is freed
	// and may be reused for unjournaled data.
	Forget(id Block)

	OnCommit(fn func())
	OnRollback(fn func())
}

// Txn is a set of staged block updates that are applied atomically. Its only
// release paths are Commit and Rollback; Commit releases it on failure too.
type Txn struct {
	journal    *Journal
	state      TxnState
	blocks     map[Block][]byte
	order      []Block
	onCommit   []func()
	onRollback []func()
}

var _ Stager = (*Txn)(nil)

func (tx *Txn) State() TxnState { return tx.state }

// Len is the number of distinct blocks staged.
func (tx *Txn) Len() int { return len(tx.order) }

// Staged reports whether `id` is staged.
func (tx *Txn) Staged(id Block) bool {
	_, ok := tx.blocks[id]
	return ok
}

// ReadBlock reads `id` as this transaction sees it: the staged copy when
// there is one, the device otherwise.
func (tx *Txn) ReadBlock(id Block, p []byte) error {
	if data, ok := tx.blocks[id]; ok {
		copy(p, data)
		return nil
	}
	return tx.journal.dev.ReadBlock(id, p)
}

func (tx *Txn) Block(id Block) ([]byte, error) {
	if err := tx.checkStage(id); err != nil {
		return nil, err
	}
	if data, ok := tx.blocks[id]; ok {
		return data, nil
	}
	data := make([]byte, tx.journal.dev.BlockSize())
	if err := tx.journal.dev.ReadBlock(id, data); err != nil {
		return nil, fmt.Errorf("staging block `%d`: %w", id, err)
	}
	tx.put(id, data)
	return data, nil
}

func (tx *Txn) Zero(id Block) ([]byte, error) {
	if err := tx.checkStage(id); err != nil {
		return nil, err
	}
	if data, ok := tx.blocks[id]; ok {
		for i := range data {
			data[i] = 0
		}
		return data, nil
	}
	data := make([]byte, tx.journal.dev.BlockSize())
	tx.put(id, data)
	return data, nil
}

// Stage buffers a full-block update of `id`.
func (tx *Txn) Stage(id Block, data []byte) error {
	if err := tx.checkStage(id); err != nil {
		return err
	}
	if Byte(len(data)) != tx.journal.dev.BlockSize() {
		return fmt.Errorf(
			"staging block `%d`: `%d` bytes for block size `%d`",
			id,
			len(data),
			tx.journal.dev.BlockSize(),
		)
	}
	if staged, ok := tx.blocks[id]; ok {
		copy(staged, data)
		return nil
	}
	tx.put(id, append([]byte(nil), data...))
	return nil
}

func (tx *Txn) Forget(id Block) {
	if _, ok := tx.blocks[id]; !ok {
		return
	}
	delete(tx.blocks, id)
	for i := range tx.order {
		if tx.order[i] == id {
			tx.order = append(tx.order[:i], tx.order[i+1:]...)
			break
		}
	}
}

// OnCommit registers `fn` to run once the transaction is applied. It runs
// under the apply lock, before readers can see the applied blocks.
func (tx *Txn) OnCommit(fn func()) { tx.onCommit = append(tx.onCommit, fn) }

// OnRollback registers `fn` to undo in-memory bookkeeping if the transaction
// is rolled back. Rollback hooks run in reverse registration order.
func (tx *Txn) OnRollback(fn func()) { tx.onRollback = append(tx.onRollback, fn) }

// Fits fails with `JournalFullErr` if the staged set can't fit in the
// journal. Callers check it before doing unjournaled work (data writes) that
// would be wasted by a failing commit.
func (tx *Txn) Fits() error {
	j := tx.journal
	if j.disabled || uint64(len(tx.order)) <= j.slots {
		return nil
	}
	return fmt.Errorf(
		"transaction of `%d` blocks in a journal of `%d` slots: %w",
		len(tx.order),
		j.slots,
		JournalFullErr,
	)
}

// Rollback discards every staged block. It has no on-disk effect.
func (tx *Txn) Rollback() {
	if tx.state != StateOpen && tx.state != StateCommitting {
		return
	}
	for i := len(tx.onRollback) - 1; i >= 0; i-- {
		tx.onRollback[i]()
	}
	tx.release()
	if tx.journal.observer != nil {
		tx.journal.observer.RolledBack()
	}
}

// Commit makes the staged set durable and applies it. On any failure before
// the commit entry is written the transaction is rolled back and nothing
// changes on disk. A failure from the commit entry onwards leaves the
// journal needing recovery (see `Journal.Broken`); the transaction will be
// replayed by the next recovery if its commit entry reached the device.
func (tx *Txn) Commit() error {
	if tx.state != StateOpen {
		return fmt.Errorf("committing transaction: %w", TxnClosedErr)
	}

	j := tx.journal
	j.lock.Lock()
	defer j.lock.Unlock()

	if j.broken != nil {
		tx.Rollback()
		return fmt.Errorf(
			"committing transaction: journal needs recovery: %w",
			j.broken,
		)
	}

	tx.state = StateCommitting
	j.state = StateCommitting
	defer func() { j.state = StateIdle }()

	if len(tx.order) == 0 {
		tx.runHooks()
		tx.applied()
		return nil
	}

	payloads := make([][]byte, len(tx.order))
	for i, id := range tx.order {
		payloads[i] = tx.blocks[id]
	}

	if j.disabled {
		if err := j.apply(tx.order, payloads, tx.runHooks); err != nil {
			j.broken = err
			tx.release()
			return fmt.Errorf("committing transaction: %w", err)
		}
		if err := j.dev.Sync(); err != nil {
			j.broken = err
			tx.release()
			return fmt.Errorf("committing transaction: %w", err)
		}
		tx.applied()
		return nil
	}

	if err := tx.Fits(); err != nil {
		tx.Rollback()
		return fmt.Errorf("committing transaction: %w", err)
	}

	// every entry except the commit entry, then a barrier, then the commit
	// entry
	timestamp := uint64(j.clock.Now().UnixNano())
	desc := make([]byte, j.dev.BlockSize())
	last := len(tx.order) - 1
	for i, id := range tx.order {
		slot := (j.head + uint64(i)) % j.slots
		seq := j.nextSeq + uint64(i)
		if i == last {
			if err := j.dev.Sync(); err != nil {
				tx.Rollback()
				return fmt.Errorf("committing transaction: %w", err)
			}
		}
		if err := j.writeEntry(
			slot,
			seq,
			id,
			payloads[i],
			timestamp,
			i == last,
			desc,
		); err != nil {
			if i == last {
				j.broken = err
				tx.release()
			} else {
				tx.Rollback()
			}
			return fmt.Errorf("committing transaction: %w", err)
		}
	}
	if err := j.dev.Sync(); err != nil {
		j.broken = err
		tx.release()
		return fmt.Errorf("committing transaction: %w", err)
	}

	// the transaction is durable; from here on a failure is repaired by
	// replay
	if err := j.apply(tx.order, payloads, tx.runHooks); err != nil {
		j.broken = err
		tx.release()
		return fmt.Errorf("committing transaction: %w", err)
	}
	if err := j.dev.Sync(); err != nil {
		j.broken = err
		tx.release()
		return fmt.Errorf("committing transaction: %w", err)
	}

	j.head = (j.head + uint64(len(tx.order))) % j.slots
	j.nextSeq += uint64(len(tx.order))
	if err := j.checkpoint(); err != nil {
		j.broken = err
		tx.release()
		return fmt.Errorf("committing transaction: %w", err)
	}

	if j.observer != nil {
		j.observer.Committed(len(tx.order))
	}
	tx.applied()
	return nil
}

func (tx *Txn) runHooks() {
	for _, fn := range tx.onCommit {
		fn()
	}
	tx.onCommit = nil
}

func (tx *Txn) applied() {
	tx.state = StateApplied
	tx.release()
}

func (tx *Txn) release() {
	tx.state = StateIdle
	tx.blocks = nil
	tx.order = nil
	tx.onCommit = nil
	tx.onRollback = nil
}

func (tx *Txn) put(id Block, data []byte) {
	tx.blocks[id] = data
	tx.order = append(tx.order, id)
}

func (tx *Txn) checkStage(id Block) error {
	if tx.state != StateOpen {
		return fmt.Errorf("staging block `%d`: %w", id, TxnClosedErr)
	}
	if tx.journal.contains(id) {
		return fmt.Errorf(
			"staging block `%d`: block belongs to the journal: %w",
			id,
			InvalidBlockIndexErr,
		)
	}
	if uint64(id) >= tx.journal.dev.BlockCount() {
		return fmt.Errorf(
			"staging block `%d` of `%d`: %w",
			id,
			tx.journal.dev.BlockCount(),
			InvalidBlockIndexErr,
		)
	}
	return nil
}

// checkpoint records that everything before `head` is applied.
func (j *Journal) checkpoint() error {
	if err := j.writeHeader(); err != nil {
		return err
	}
	if err := j.dev.Sync(); err != nil {
		return fmt.Errorf("checkpointing journal: %w", err)
	}
	return nil
}
