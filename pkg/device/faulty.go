package device

import (
	"sync"

	. "github.com/weberc2/mfs/pkg/types"
)

// Faulty wraps a device and simulates it dying: once armed, every write past
// the allowed number is dropped and fails, as if power was cut. Reads keep
// working so the caller can observe the failure.
type Faulty struct {
	Device

	lock      sync.Mutex
	writes    int
	failAfter int
	failReads bool
}

func NewFaulty(dev Device) *Faulty {
	return &Faulty{Device: dev, failAfter: -1}
}

// FailWritesAfter lets the next `n` writes through and fails every write
// after them.
func (f *Faulty) FailWritesAfter(n int) {
	f.lock.Lock()
	f.writes = 0
	f.failAfter = n
	f.lock.Unlock()
}

// FailReads makes every read fail until Heal is called.
func (f *Faulty) FailReads() {
	f.lock.Lock()
	f.failReads = true
	f.lock.Unlock()
}

func (f *Faulty) Heal() {
	f.lock.Lock()
	f.failAfter = -1
	f.failReads = false
	f.lock.Unlock()
}

// Writes reports how many writes reached the device since the last
// FailWritesAfter call.
func (f *Faulty) Writes() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.writes
}

func (f *Faulty) ReadBlock(id Block, p []byte) error {
	f.lock.Lock()
	fail := f.failReads
	f.lock.Unlock()
	if fail {
		return &IOError{Op: "reading", Block: id, Err: InjectedFaultErr}
	}
	return f.Device.ReadBlock(id, p)
}

func (f *Faulty) WriteBlock(id Block, p []byte) error {
	f.lock.Lock()
	if f.failAfter >= 0 && f.writes >= f.failAfter {
		f.lock.Unlock()
		return &IOError{Op: "writing", Block: id, Err: InjectedFaultErr}
	}
	f.writes++
	f.lock.Unlock()
	return f.Device.WriteBlock(id, p)
}

const InjectedFaultErr ConstError = "injected fault"
