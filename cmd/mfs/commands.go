package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/weberc2/mfs/pkg/device"
	"github.com/weberc2/mfs/pkg/mfs"
	"github.com/weberc2/mfs/pkg/security"
	. "github.com/weberc2/mfs/pkg/types"
)

// putChunk bounds how much of the source `put` writes per transaction.
const putChunk = 256 * 1024

var mkfsCommand = &cli.Command{
	Name:        "mkfs",
	Aliases:     []string{"format"},
	Usage:       "create the image and format a fresh volume on it",
	Description: "create (or truncate) the configured image and format it",
	Action: func(ctx *cli.Context) (err error) {
		c, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if err := c.ValidateFormat(); err != nil {
			return err
		}
		logger := c.Logger()

		dev, err := device.CreateFile(
			c.Image,
			Byte(c.BlockSize),
			c.BlockCount,
			&device.FileOptions{Logger: logger},
		)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := dev.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}()

		params := c.FormatParams(logger)
		if err := mfs.Format(dev, &params); err != nil {
			return err
		}
		fmt.Printf(
			"formatted `%s`: %s in %d blocks of %s\n",
			c.Image,
			humanize.IBytes(uint64(c.BlockSize)*c.BlockCount),
			c.BlockCount,
			c.BlockSize,
		)
		return nil
	},
}

var infoCommand = &cli.Command{
	Name:  "info",
	Usage: "print the superblock summary",
	Action: withVolume(true, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		_ security.Cred,
	) error {
		stats, err := fs.Stats()
		if err != nil {
			return err
		}
		size := uint64(stats.BlockSize)
		fmt.Printf("uuid:            %s\n", stats.UUID)
		fmt.Printf("state:           %s\n", stats.State)
		fmt.Printf("block size:      %s\n", humanize.IBytes(size))
		fmt.Printf(
			"blocks:          %d (%s)\n",
			stats.Blocks,
			humanize.IBytes(size*stats.Blocks),
		)
		fmt.Printf(
			"free blocks:     %d (%s)\n",
			stats.FreeBlocks,
			humanize.IBytes(size*stats.FreeBlocks),
		)
		fmt.Printf("inodes:          %d\n", stats.Inodes)
		fmt.Printf("free inodes:     %d\n", stats.FreeInodes)
		fmt.Printf("groups:          %d\n", stats.Groups)
		fmt.Printf("journal blocks:  %d\n", stats.JournalBlocks)
		fmt.Printf(
			"mounts:          %d of %d\n",
			stats.MountCount,
			stats.MaxMountCount,
		)
		fmt.Printf("features:        %s\n", features(stats.Features))
		return nil
	}),
}

func features(f Features) string {
	var out string
	for _, feature := range []struct {
		flag Features
		name string
	}{
		{FeatureJournaling, "journaling"},
		{FeatureSecurity, "security"},
		{FeatureJournalChecksums, "journal-checksums"},
	} {
		if f.Has(feature.flag) {
			if out != "" {
				out += ","
			}
			out += feature.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "list a directory",
	ArgsUsage: "[PATH]",
	Action: withVolume(true, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		p := "/"
		if ctx.NArg() > 0 {
			p = ctx.Args().First()
		}
		dir, err := fs.ResolvePath(ctx.Context, cred, p)
		if err != nil {
			return err
		}
		entries, err := fs.ReadDir(ctx.Context, cred, dir)
		if err != nil {
			return err
		}
		for i := range entries {
			md, err := fs.Stat(entries[i].Ino)
			if err != nil {
				return err
			}
			fmt.Printf(
				"%s %5d %5d %9s %14s %s\n",
				md.Mode,
				md.UID,
				md.GID,
				humanize.IBytes(uint64(md.Size)),
				humanize.Time(md.Mtime),
				entries[i].Name,
			)
		}
		return nil
	}),
}

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "print the metadata of a path",
	ArgsUsage: "PATH",
	Action: withVolume(true, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		p, err := argument(ctx, 0, "PATH")
		if err != nil {
			return err
		}
		ino, err := fs.ResolvePath(ctx.Context, cred, p)
		if err != nil {
			return err
		}
		md, err := fs.Stat(ino)
		if err != nil {
			return err
		}
		fmt.Printf("inode:  %d\n", md.Ino)
		fmt.Printf("type:   %s\n", md.FileType)
		fmt.Printf("mode:   %s (%#o)\n", md.Mode, md.Mode.Perm())
		fmt.Printf("owner:  %d:%d\n", md.UID, md.GID)
		fmt.Printf("size:   %d (%s)\n", md.Size, humanize.IBytes(uint64(md.Size)))
		fmt.Printf("links:  %d\n", md.LinksCount)
		fmt.Printf("atime:  %s\n", md.Atime.Format(time.RFC3339))
		fmt.Printf("mtime:  %s\n", md.Mtime.Format(time.RFC3339))
		fmt.Printf("ctime:  %s\n", md.Ctime.Format(time.RFC3339))
		if md.FileType == FileTypeSymlink {
			target, err := fs.Readlink(ino)
			if err != nil {
				return err
			}
			fmt.Printf("target: %s\n", target)
		}
		return nil
	}),
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "write a file's contents to stdout",
	ArgsUsage: "PATH",
	Action: withVolume(true, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		p, err := argument(ctx, 0, "PATH")
		if err != nil {
			return err
		}
		ino, err := fs.ResolvePath(ctx.Context, cred, p)
		if err != nil {
			return err
		}
		for offset := Byte(0); ; {
			data, err := fs.Read(ctx.Context, cred, ino, offset, putChunk)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return nil
			}
			if _, err := os.Stdout.Write(data); err != nil {
				return fmt.Errorf("writing to stdout: %w", err)
			}
			offset += Byte(len(data))
		}
	}),
}

var putCommand = &cli.Command{
	Name:      "put",
	Usage:     "copy a local file (or stdin for `-`) into the volume",
	ArgsUsage: "SOURCE PATH",
	Flags: []cli.Flag{
		&cli.UintFlag{
			Name:  "mode",
			Usage: "permission bits of a newly created file",
			Value: 0o644,
		},
	},
	Action: withVolume(false, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		source, err := argument(ctx, 0, "SOURCE")
		if err != nil {
			return err
		}
		p, err := argument(ctx, 1, "PATH")
		if err != nil {
			return err
		}

		var r io.Reader = os.Stdin
		if source != "-" {
			f, err := os.Open(source)
			if err != nil {
				return fmt.Errorf("opening `%s`: %w", source, err)
			}
			defer f.Close()
			r = f
		}

		parent, name, err := resolveParent(ctx, fs, cred, p)
		if err != nil {
			return err
		}
		ino, err := fs.Lookup(ctx.Context, cred, parent, name)
		switch {
		case err == nil:
			if err := fs.Truncate(ctx.Context, cred, ino, 0); err != nil {
				return err
			}
		case errors.Is(err, NotFoundErr):
			ino, err = fs.Create(
				ctx.Context,
				cred,
				parent,
				name,
				uint16(ctx.Uint("mode")),
			)
			if err != nil {
				return err
			}
		default:
			return err
		}

		buf := make([]byte, putChunk)
		var offset Byte
		for {
			n, readErr := io.ReadFull(r, buf)
			if n > 0 {
				if _, err := fs.Write(
					ctx.Context,
					cred,
					ino,
					offset,
					buf[:n],
				); err != nil {
					return err
				}
				offset += Byte(n)
			}
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				break
			}
			if readErr != nil {
				return fmt.Errorf("reading `%s`: %w", source, readErr)
			}
		}
		fmt.Printf("wrote %s to `%s`\n", humanize.IBytes(uint64(offset)), p)
		return nil
	}),
}

// resolveParent resolves the directory holding `p` and returns it along
// with the last element of `p`.
func resolveParent(
	ctx *cli.Context,
	fs *mfs.FileSystem,
	cred security.Cred,
	p string,
) (Ino, string, error) {
	p = path.Clean(p)
	parent, err := fs.ResolvePath(ctx.Context, cred, path.Dir(p))
	if err != nil {
		return InoNil, "", err
	}
	return parent, path.Base(p), nil
}

var mkdirCommand = &cli.Command{
	Name:      "mkdir",
	Usage:     "make a directory",
	ArgsUsage: "PATH",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "mode", Usage: "permission bits", Value: 0o755},
	},
	Action: withVolume(false, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		p, err := argument(ctx, 0, "PATH")
		if err != nil {
			return err
		}
		parent, name, err := resolveParent(ctx, fs, cred, p)
		if err != nil {
			return err
		}
		_, err = fs.Mkdir(ctx.Context, cred, parent, name, uint16(ctx.Uint("mode")))
		return err
	}),
}

var rmCommand = &cli.Command{
	Name:      "rm",
	Aliases:   []string{"unlink"},
	Usage:     "remove a non-directory",
	ArgsUsage: "PATH",
	Action: withVolume(false, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		p, err := argument(ctx, 0, "PATH")
		if err != nil {
			return err
		}
		parent, name, err := resolveParent(ctx, fs, cred, p)
		if err != nil {
			return err
		}
		return fs.Unlink(ctx.Context, cred, parent, name)
	}),
}

var rmdirCommand = &cli.Command{
	Name:      "rmdir",
	Usage:     "remove an empty directory",
	ArgsUsage: "PATH",
	Action: withVolume(false, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		p, err := argument(ctx, 0, "PATH")
		if err != nil {
			return err
		}
		parent, name, err := resolveParent(ctx, fs, cred, p)
		if err != nil {
			return err
		}
		return fs.Rmdir(ctx.Context, cred, parent, name)
	}),
}

var mvCommand = &cli.Command{
	Name:      "mv",
	Aliases:   []string{"rename"},
	Usage:     "rename a path, replacing the destination",
	ArgsUsage: "OLD NEW",
	Action: withVolume(false, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		from, err := argument(ctx, 0, "OLD")
		if err != nil {
			return err
		}
		to, err := argument(ctx, 1, "NEW")
		if err != nil {
			return err
		}
		oldParent, oldName, err := resolveParent(ctx, fs, cred, from)
		if err != nil {
			return err
		}
		newParent, newName, err := resolveParent(ctx, fs, cred, to)
		if err != nil {
			return err
		}
		return fs.Rename(ctx.Context, cred, oldParent, oldName, newParent, newName)
	}),
}

var lnCommand = &cli.Command{
	Name:      "ln",
	Usage:     "make a hard link, or a symbolic link with --symbolic",
	ArgsUsage: "TARGET PATH",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "symbolic", Aliases: []string{"s"}},
	},
	Action: withVolume(false, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		target, err := argument(ctx, 0, "TARGET")
		if err != nil {
			return err
		}
		p, err := argument(ctx, 1, "PATH")
		if err != nil {
			return err
		}
		parent, name, err := resolveParent(ctx, fs, cred, p)
		if err != nil {
			return err
		}
		if ctx.Bool("symbolic") {
			_, err := fs.Symlink(ctx.Context, cred, parent, name, target)
			return err
		}
		ino, err := fs.ResolvePath(ctx.Context, cred, target)
		if err != nil {
			return err
		}
		return fs.Link(ctx.Context, cred, ino, parent, name)
	}),
}

var chmodCommand = &cli.Command{
	Name:      "chmod",
	Usage:     "change the permission bits of a path",
	ArgsUsage: "MODE PATH",
	Action: withVolume(false, func(
		ctx *cli.Context,
		fs *mfs.FileSystem,
		cred security.Cred,
	) error {
		mode, err := argument(ctx, 0, "MODE")
		if err != nil {
			return err
		}
		perm, err := strconv.ParseUint(mode, 8, 16)
		if err != nil {
			return fmt.Errorf("parsing mode `%s`: %w", mode, err)
		}
		p, err := argument(ctx, 1, "PATH")
		if err != nil {
			return err
		}
		ino, err := fs.ResolvePath(ctx.Context, cred, p)
		if err != nil {
			return err
		}
		return fs.Chmod(ctx.Context, cred, ino, uint16(perm))
	}),
}

var fsckCommand = &cli.Command{
	Name:  "fsck",
	Usage: "check the volume's allocation state",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "repair",
			Usage: "fix the bitmaps and counters and clear the error state",
		},
	},
	Action: func(ctx *cli.Context) error {
		repair := ctx.Bool("repair")
		return withVolume(!repair, func(
			ctx *cli.Context,
			fs *mfs.FileSystem,
			_ security.Cred,
		) error {
			check := fs.Check
			if repair {
				check = fs.Repair
			}
			report, err := check()
			if err != nil {
				return err
			}
			fmt.Printf("inodes:            %d\n", report.Inodes)
			fmt.Printf(
				"free blocks:       %d (recorded %d)\n",
				report.FreeBlocks,
				report.RecordedFreeBlocks,
			)
			fmt.Printf(
				"free inodes:       %d (recorded %d)\n",
				report.FreeInodes,
				report.RecordedFreeInodes,
			)
			fmt.Printf("unmarked metadata: %d\n", len(report.UnmarkedMetadata))
			fmt.Printf("unmarked blocks:   %d\n", len(report.UnmarkedBlocks))
			fmt.Printf("leaked blocks:     %d\n", len(report.LeakedBlocks))
			fmt.Printf("shared blocks:     %d\n", len(report.SharedBlocks))
			if !report.Clean() && !repair {
				return cli.Exit("the volume needs repair; rerun with --repair", 4)
			}
			return nil
		})(ctx)
	},
}
