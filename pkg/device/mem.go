package device

import (
	"sync"

	. "github.com/weberc2/mfs/pkg/types"
)

// Mem is a device backed by a byte slice.
type Mem struct {
	lock       sync.RWMutex
	data       []byte
	blockSize  Byte
	blockCount uint64
	closed     bool
}

func NewMem(blockSize Byte, blockCount uint64) *Mem {
	return NewMemFromBytes(
		blockSize,
		make([]byte, uint64(blockSize)*blockCount),
	)
}

// NewMemFromBytes wraps `data` without copying it; any trailing partial
// block is ignored.
func NewMemFromBytes(blockSize Byte, data []byte) *Mem {
	return &Mem{
		data:       data,
		blockSize:  blockSize,
		blockCount: uint64(len(data)) / uint64(blockSize),
	}
}

func (m *Mem) BlockSize() Byte { return m.blockSize }

func (m *Mem) BlockCount() uint64 { return m.blockCount }

func (m *Mem) ReadBlock(id Block, p []byte) error {
	if err := checkAccess(m, "reading", id, p); err != nil {
		return err
	}

	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return &IOError{Op: "reading", Block: id, Err: ClosedErr}
	}
	start := uint64(id) * uint64(m.blockSize)
	copy(p, m.data[start:start+uint64(m.blockSize)])
	return nil
}

func (m *Mem) WriteBlock(id Block, p []byte) error {
	if err := checkAccess(m, "writing", id, p); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return &IOError{Op: "writing", Block: id, Err: ClosedErr}
	}
	start := uint64(id) * uint64(m.blockSize)
	copy(m.data[start:start+uint64(m.blockSize)], p)
	return nil
}

func (m *Mem) Sync() error { return nil }

func (m *Mem) Close() error {
	m.lock.Lock()
	m.closed = true
	m.lock.Unlock()
	return nil
}

// Snapshot returns a copy of the device's contents.
func (m *Mem) Snapshot() []byte {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Clone returns an open device holding a copy of this device's contents,
// which is how tests "reboot" onto the state a crashed device left behind.
func (m *Mem) Clone() *Mem {
	return NewMemFromBytes(m.blockSize, m.Snapshot())
}
