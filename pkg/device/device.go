// Package device provides the block devices the filesystem persists through.
// Every implementation reads and writes whole blocks; a short buffer is a
// programming error and is reported as such rather than padded.
package device

import (
	"fmt"

	. "github.com/weberc2/mfs/pkg/types"
)

type Device interface {
	BlockSize() Byte
	BlockCount() uint64

	// ReadBlock fills `p`, which must be exactly one block long.
	ReadBlock(id Block, p []byte) error

	// WriteBlock writes `p`, which must be exactly one block long.
	WriteBlock(id Block, p []byte) error

	// Sync returns once every completed write is durable.
	Sync() error

	Close() error
}

func checkAccess(dev Device, op string, id Block, p []byte) error {
	if Byte(len(p)) != dev.BlockSize() {
		return &IOError{
			Op:    op,
			Block: id,
			Err: fmt.Errorf(
				"buffer of `%d` bytes for block size `%d`",
				len(p),
				dev.BlockSize(),
			),
		}
	}
	if uint64(id) >= dev.BlockCount() {
		return &IOError{
			Op:    op,
			Block: id,
			Err: fmt.Errorf(
				"block out of range for device of `%d` blocks",
				dev.BlockCount(),
			),
		}
	}
	return nil
}

const ClosedErr ConstError = "device closed"
