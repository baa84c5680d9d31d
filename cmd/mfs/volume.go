package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli/v2"

	"github.com/weberc2/mfs/pkg/config"
	"github.com/weberc2/mfs/pkg/device"
	"github.com/weberc2/mfs/pkg/mfs"
	"github.com/weberc2/mfs/pkg/pgaudit"
	"github.com/weberc2/mfs/pkg/security"
	. "github.com/weberc2/mfs/pkg/types"
)

// loadConfig loads the configuration and applies the global flags to it.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	c, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if image := ctx.String("image"); image != "" {
		c.Image = image
	}
	return c, nil
}

func cred(ctx *cli.Context) security.Cred {
	return security.Cred{
		UID: uint16(ctx.Uint("uid")),
		GID: uint16(ctx.Uint("gid")),
	}
}

// openSink opens the audit sink `c` names. The returned closer is never nil.
func openSink(c *config.Config, logger *slog.Logger) (
	security.Sink,
	func() error,
	error,
) {
	noop := func() error { return nil }
	switch c.Audit {
	case config.AuditSinkLog:
		return &security.LogSink{Logger: logger}, noop, nil
	case config.AuditSinkPostgres, config.AuditSinkAll:
		sink, err := pgaudit.OpenEnv()
		if err != nil {
			return nil, noop, fmt.Errorf("opening audit sink: %w", err)
		}
		if err := sink.EnsureTable(); err != nil {
			return nil, noop, multierror.Append(err, sink.Close())
		}
		if c.Audit == config.AuditSinkAll {
			return security.MultiSink{
				&security.LogSink{Logger: logger},
				sink,
			}, sink.Close, nil
		}
		return sink, sink.Close, nil
	default:
		return nil, noop, nil
	}
}

type volumeFunc func(
	ctx *cli.Context,
	fs *mfs.FileSystem,
	cred security.Cred,
) error

// withVolume mounts the configured image around `fn` and tears everything
// down afterwards, collecting every teardown error.
func withVolume(readOnly bool, fn volumeFunc) cli.ActionFunc {
	return func(ctx *cli.Context) (err error) {
		c, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return err
		}
		logger := c.Logger()

		dev, err := device.OpenFile(
			c.Image,
			Byte(c.BlockSize),
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

		sink, closeSink, err := openSink(c, logger)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := closeSink(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}()

		registry := prometheus.NewRegistry()
		metrics := mfs.NewMetrics(registry)
		if ctx.Bool("metrics") {
			defer func() {
				if printErr := printMetrics(registry); printErr != nil {
					err = multierror.Append(err, printErr)
				}
			}()
		}

		options := c.Options(readOnly, sink, metrics, logger)
		fs, err := mfs.Mount(dev, &options)
		if err != nil {
			return err
		}
		defer func() {
			if unmountErr := fs.Unmount(); unmountErr != nil {
				err = multierror.Append(err, unmountErr)
			}
		}()

		return fn(ctx, fs, cred(ctx))
	}
}

func printMetrics(registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(os.Stderr, family); err != nil {
			return fmt.Errorf("printing metrics: %w", err)
		}
	}
	return nil
}

// argument returns the `i`th positional argument or fails with a usage
// error naming it.
func argument(ctx *cli.Context, i int, name string) (string, error) {
	if ctx.NArg() <= i {
		return "", fmt.Errorf("missing required argument `%s`", name)
	}
	return ctx.Args().Get(i), nil
}
