package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:        "mfs",
		Usage:       "format, inspect and edit MFS volume images",
		Description: "a CLI for MFS images; settings come from $MFS_CONFIG_FILE and MFS_* variables",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "path of the image; overrides the `image` setting",
			},
			&cli.UintFlag{
				Name:  "uid",
				Usage: "user id the operations run as",
			},
			&cli.UintFlag{
				Name:  "gid",
				Usage: "group id the operations run as",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "print the collected metrics to stderr on exit",
			},
		},
		Commands: []*cli.Command{
			mkfsCommand,
			infoCommand,
			lsCommand,
			statCommand,
			catCommand,
			putCommand,
			mkdirCommand,
			rmCommand,
			rmdirCommand,
			mvCommand,
			lnCommand,
			chmodCommand,
			fsckCommand,
			auditCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error(
			"exiting",
			"err", err.Error(),
		)
		os.Exit(1)
	}
}
