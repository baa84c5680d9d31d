package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/weberc2/mfs/pkg/pgaudit"
)

// withSink connects to the audit database from the PG_* variables around
// `fn`.
func withSink(fn func(ctx *cli.Context, sink *pgaudit.Sink) error) cli.ActionFunc {
	return func(ctx *cli.Context) (err error) {
		sink, err := pgaudit.OpenEnv()
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := sink.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}()
		return fn(ctx, sink)
	}
}

var auditCommand = &cli.Command{
	Name:  "audit",
	Usage: "manage the `mfs_audit` Postgres table",
	Subcommands: []*cli.Command{{
		Name:    "ensure",
		Aliases: []string{"make", "create"},
		Usage:   "create the `mfs_audit` table if it doesn't exist",
		Action: withSink(func(ctx *cli.Context, sink *pgaudit.Sink) error {
			return sink.EnsureTable()
		}),
	}, {
		Name:    "drop",
		Aliases: []string{"delete", "destroy"},
		Usage:   "drop the `mfs_audit` table",
		Action: withSink(func(ctx *cli.Context, sink *pgaudit.Sink) error {
			return sink.DropTable()
		}),
	}, {
		Name:    "clear",
		Aliases: []string{"truncate", "trunc"},
		Usage:   "delete every event from the `mfs_audit` table",
		Action: withSink(func(ctx *cli.Context, sink *pgaudit.Sink) error {
			return sink.ClearTable()
		}),
	}, {
		Name:    "reset",
		Aliases: []string{"recreate"},
		Usage:   "drop and recreate the `mfs_audit` table",
		Action: withSink(func(ctx *cli.Context, sink *pgaudit.Sink) error {
			return sink.ResetTable()
		}),
	}, {
		Name:  "list",
		Usage: "print the recorded permission decisions",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "since",
				Usage: "how far back to look",
				Value: 24 * time.Hour,
			},
			&cli.BoolFlag{
				Name:  "denials",
				Usage: "print only denied decisions",
			},
		},
		Action: withSink(func(ctx *cli.Context, sink *pgaudit.Sink) error {
			records, err := sink.List(
				ctx.Context,
				time.Now().Add(-ctx.Duration("since")),
			)
			if err != nil {
				return err
			}
			for i := range records {
				if ctx.Bool("denials") && records[i].Allowed {
					continue
				}
				verdict := "allowed"
				if !records[i].Allowed {
					verdict = "denied"
				}
				fmt.Printf(
					"%-14s %5d:%-5d inode %-8d %-8s %s\n",
					humanize.Time(records[i].Time),
					records[i].UID,
					records[i].GID,
					records[i].Ino,
					records[i].Op,
					verdict,
				)
			}
			return nil
		}),
	}},
}
