package types

import "time"

// Metadata is what `stat` reports about an inode.
type Metadata struct {
	Ino        Ino
	FileType   FileType
	Mode       Mode
	UID        uint16
	GID        uint16
	Size       Byte
	LinksCount uint16
	Atime      time.Time
	Mtime      time.Time
	Ctime      time.Time
	AuditID    uint64
}

func (inode *Inode) Metadata() Metadata {
	return Metadata{
		Ino:        inode.Ino,
		FileType:   inode.FileType(),
		Mode:       inode.Mode,
		UID:        inode.UID,
		GID:        inode.GID,
		Size:       inode.Size,
		LinksCount: inode.LinksCount,
		Atime:      time.Unix(int64(inode.Atime), 0),
		Mtime:      time.Unix(int64(inode.Mtime), 0),
		Ctime:      time.Unix(int64(inode.Ctime), 0),
		AuditID:    inode.AuditID,
	}
}
