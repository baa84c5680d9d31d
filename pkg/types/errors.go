package types

import "fmt"

type ConstError string

func (err ConstError) Error() string { return string(err) }

const (
	FormatErr            ConstError = "format error"
	CorruptSuperblockErr ConstError = "corrupt superblock"
	JournalCorruptErr    ConstError = "journal corrupt"
	JournalFullErr       ConstError = "journal full"
	DiskFullErr          ConstError = "disk full"
	DoubleFreeErr        ConstError = "double free"
	InvalidBlockIndexErr ConstError = "invalid block index"
	PermissionDeniedErr  ConstError = "permission denied"
	NotFoundErr          ConstError = "not found"
	AlreadyExistsErr     ConstError = "already exists"
	NameTooLongErr       ConstError = "name too long"
	NotADirErr           ConstError = "not a directory"
	IsADirErr            ConstError = "is a directory"
	DirNotEmptyErr       ConstError = "directory not empty"
	IOErr                ConstError = "i/o error"
	ReadOnlyErr          ConstError = "read-only filesystem"
	NotMountedErr        ConstError = "filesystem not mounted"
	AlreadyMountedErr    ConstError = "device already mounted"
	InvalidNameErr       ConstError = "invalid name"
	FileTooLargeErr      ConstError = "file too large"
	StaleListingErr      ConstError = "directory changed during listing"
	TxnClosedErr         ConstError = "transaction closed"
	NotASymlinkErr       ConstError = "not a symbolic link"
	NotAbsolutePathErr   ConstError = "not an absolute path"
)

// IOError is returned by block devices. It matches `IOErr` under
// `errors.Is` and unwraps to the underlying cause.
type IOError struct {
	Op    string
	Block Block
	Err   error
}

func (err *IOError) Error() string {
	return fmt.Sprintf("%s block `%d`: %v: %v", err.Op, err.Block, IOErr, err.Err)
}

func (err *IOError) Unwrap() error { return err.Err }

func (err *IOError) Is(target error) bool { return target == IOErr }
