package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	fslock "github.com/ipfs/go-fs-lock"

	. "github.com/weberc2/mfs/pkg/types"
)

// File is a device backed by an image file. Opening it takes an exclusive
// lock file next to the image (`<image>.lock`) which is released on Close.
// Transient syscall failures are retried with exponential backoff before
// they are reported as `IOError`s.
type File struct {
	file       *os.File
	lock       io.Closer
	blockSize  Byte
	blockCount uint64
	retries    uint64
	logger     *slog.Logger
}

type FileOptions struct {
	// Retries bounds how many times a transient failure is retried. Zero
	// means the default of 5.
	Retries uint64
	Logger  *slog.Logger
}

// CreateFile creates (or truncates) an image of `blockCount` zeroed blocks
// and opens it.
func CreateFile(
	path string,
	blockSize Byte,
	blockCount uint64,
	options *FileOptions,
) (*File, error) {
	lock, err := lockImage(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("creating image `%s`: %w", path, err)
	}
	if err := file.Truncate(int64(uint64(blockSize) * blockCount)); err != nil {
		file.Close()
		lock.Close()
		return nil, fmt.Errorf("sizing image `%s`: %w", path, err)
	}

	return newFile(file, lock, blockSize, blockCount, options), nil
}

// OpenFile opens an existing image. The block count is the image size
// divided by `blockSize`.
func OpenFile(path string, blockSize Byte, options *FileOptions) (*File, error) {
	lock, err := lockImage(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("opening image `%s`: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		lock.Close()
		return nil, fmt.Errorf("opening image `%s`: %w", path, err)
	}

	return newFile(
		file,
		lock,
		blockSize,
		uint64(info.Size())/uint64(blockSize),
		options,
	), nil
}

func lockImage(path string) (io.Closer, error) {
	lock, err := fslock.Lock(filepath.Dir(path), filepath.Base(path)+".lock")
	if err != nil {
		return nil, fmt.Errorf("locking image `%s`: %w", path, err)
	}
	return lock, nil
}

func newFile(
	file *os.File,
	lock io.Closer,
	blockSize Byte,
	blockCount uint64,
	options *FileOptions,
) *File {
	f := File{
		file:       file,
		lock:       lock,
		blockSize:  blockSize,
		blockCount: blockCount,
		retries:    5,
		logger:     slog.Default(),
	}
	if options != nil {
		if options.Retries > 0 {
			f.retries = options.Retries
		}
		if options.Logger != nil {
			f.logger = options.Logger
		}
	}
	return &f
}

func (f *File) BlockSize() Byte { return f.blockSize }

func (f *File) BlockCount() uint64 { return f.blockCount }

func (f *File) ReadBlock(id Block, p []byte) error {
	if err := checkAccess(f, "reading", id, p); err != nil {
		return err
	}
	return f.retry("reading", id, func() error {
		_, err := f.file.ReadAt(p, int64(uint64(id)*uint64(f.blockSize)))
		return err
	})
}

func (f *File) WriteBlock(id Block, p []byte) error {
	if err := checkAccess(f, "writing", id, p); err != nil {
		return err
	}
	return f.retry("writing", id, func() error {
		_, err := f.file.WriteAt(p, int64(uint64(id)*uint64(f.blockSize)))
		return err
	})
}

func (f *File) Sync() error {
	return f.retry("syncing", BlockNil, f.file.Sync)
}

func (f *File) Close() error {
	err := f.file.Close()
	if lockErr := f.lock.Close(); err == nil {
		err = lockErr
	}
	if err != nil {
		return fmt.Errorf("closing image: %w", err)
	}
	return nil
}

func (f *File) retry(op string, id Block, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Millisecond
	policy.MaxElapsedTime = time.Second

	attempt := 0
	if err := backoff.Retry(
		func() error {
			attempt++
			err := fn()
			if err == nil {
				return nil
			}
			if transient(err) {
				f.logger.Warn(
					"transient device error",
					"op", op,
					"block", id,
					"attempt", attempt,
					"err", err.Error(),
				)
				return err
			}
			return backoff.Permanent(err)
		},
		backoff.WithMaxRetries(policy, f.retries),
	); err != nil {
		return &IOError{Op: op, Block: id, Err: err}
	}
	return nil
}

func transient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}
