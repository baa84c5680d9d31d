// Package config loads the settings of the `mfs` command from a YAML file
// and `MFS_*` environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/weberc2/mfs/pkg/mfs"
	"github.com/weberc2/mfs/pkg/security"
	. "github.com/weberc2/mfs/pkg/types"
)

const (
	envVarPrefix = "MFS"
	appName      = "mfs"
)

type Config struct {
	Image            string    `envconfig:"MFS_IMAGE"              yaml:"image"`
	BlockSize        Size      `envconfig:"MFS_BLOCK_SIZE"         yaml:"blockSize"`
	BlockCount       uint64    `envconfig:"MFS_BLOCK_COUNT"        yaml:"blockCount"`
	JournalBlocks    uint64    `envconfig:"MFS_JOURNAL_BLOCKS"     yaml:"journalBlocks"`
	InodesPerGroup   uint64    `envconfig:"MFS_INODES_PER_GROUP"   yaml:"inodesPerGroup"`
	CacheBlocks      int       `envconfig:"MFS_CACHE_BLOCKS"       yaml:"cacheBlocks"`
	Journaling       bool      `envconfig:"MFS_JOURNALING"         yaml:"journaling"`
	Security         bool      `envconfig:"MFS_SECURITY"           yaml:"security"`
	JournalChecksums bool      `envconfig:"MFS_JOURNAL_CHECKSUMS"  yaml:"journalChecksums"`
	AllowDoubleFree  bool      `envconfig:"MFS_ALLOW_DOUBLE_FREE"  yaml:"allowDoubleFree"`
	NoRootBypass     bool      `envconfig:"MFS_NO_ROOT_BYPASS"     yaml:"noRootBypass"`
	Audit            AuditSink `envconfig:"MFS_AUDIT"              yaml:"audit"`
	AuditDenialsOnly bool      `envconfig:"MFS_AUDIT_DENIALS_ONLY" yaml:"auditDenialsOnly"`
	LogLevel         LogLevel  `envconfig:"MFS_LOG_LEVEL"          yaml:"logLevel"`
	MaxMountCount    uint16    `envconfig:"MFS_MAX_MOUNT_COUNT"    yaml:"maxMountCount"`
	RootUID          uint16    `envconfig:"MFS_ROOT_UID"           yaml:"rootUID"`
	RootGID          uint16    `envconfig:"MFS_ROOT_GID"           yaml:"rootGID"`
}

// Default is the configuration before the file and the environment are
// applied. Fields they leave unset keep these values.
func Default() Config {
	return Config{
		BlockSize:        Size(DefaultBlockSize),
		Journaling:       true,
		Security:         true,
		JournalChecksums: true,
		Audit:            AuditSinkNone,
		LogLevel:         LogLevel(slog.LevelInfo),
		MaxMountCount:    DefaultMaxMountCount,
	}
}

// Load reads the file named by `MFS_CONFIG_FILE` (default
// `$HOME/.config/mfs.yaml`), which may be missing, and then the environment.
// The result is not validated.
func Load() (*Config, error) {
	configFile := os.Getenv(envVarPrefix + "_CONFIG_FILE")
	if configFile == "" {
		configFile = filepath.Join(
			os.Getenv("HOME"),
			".config",
			appName+".yaml",
		)
	}

	c := Default()
	data, err := os.ReadFile(configFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling config file: %w", err)
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	return &c, nil
}

func (c *Config) Validate() error {
	if y, e := func() (string, string) {
		if c.Image == "" {
			return "image", "IMAGE"
		}
		return "", ""
	}(); y != "" {
		return fmt.Errorf(
			"missing required configuration: %s / %s_%s",
			y,
			envVarPrefix,
			e,
		)
	}
	if !ValidBlockSize(Byte(c.BlockSize)) {
		return fmt.Errorf(
			"validating config: block size `%s`: %w",
			c.BlockSize,
			FormatErr,
		)
	}
	if c.CacheBlocks < 0 {
		return fmt.Errorf(
			"validating config: cache blocks `%d`: must not be negative",
			c.CacheBlocks,
		)
	}
	if !c.Journaling && c.JournalChecksums {
		return fmt.Errorf(
			"validating config: journal checksums need journaling",
		)
	}
	return nil
}

// ValidateFormat validates the settings `mkfs` needs on top of the ones
// every command needs.
func (c *Config) ValidateFormat() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.BlockCount == 0 {
		return fmt.Errorf(
			"missing required configuration: blockCount / %s_BLOCK_COUNT",
			envVarPrefix,
		)
	}
	return nil
}

func (c *Config) Features() Features {
	var features Features
	if c.Journaling {
		features |= FeatureJournaling
	}
	if c.Security {
		features |= FeatureSecurity
	}
	if c.JournalChecksums {
		features |= FeatureJournalChecksums
	}
	return features
}

func (c *Config) FormatParams(logger *slog.Logger) mfs.FormatParams {
	features := c.Features()
	return mfs.FormatParams{
		JournalBlocks:  c.JournalBlocks,
		InodesPerGroup: c.InodesPerGroup,
		Features:       features,
		NoFeatures:     features == 0,
		MaxMountCount:  c.MaxMountCount,
		RootUID:        c.RootUID,
		RootGID:        c.RootGID,
		Logger:         logger,
	}
}

// Options builds mount options. `sink` is the audit sink the caller opened
// for `c.Audit`; it may be nil.
func (c *Config) Options(
	readOnly bool,
	sink security.Sink,
	metrics *mfs.Metrics,
	logger *slog.Logger,
) mfs.Options {
	return mfs.Options{
		ReadOnly:         readOnly,
		CacheBlocks:      c.CacheBlocks,
		AllowDoubleFree:  c.AllowDoubleFree,
		NoRootBypass:     c.NoRootBypass,
		AuditSink:        sink,
		AuditDenialsOnly: c.AuditDenialsOnly,
		Metrics:          metrics,
		Logger:           logger,
	}
}

// Logger returns a JSON logger on stderr at the configured level.
func (c *Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(
		os.Stderr,
		&slog.HandlerOptions{Level: slog.Level(c.LogLevel)},
	))
}

// Size is a byte count written like "4KiB" or "4096".
type Size Byte

func (s *Size) Decode(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("parsing size `%s`: %w", value, err)
	}
	*s = Size(n)
	return nil
}

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("yaml-unmarshaling *Size: %w", err)
	}
	return s.Decode(v)
}

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

// AuditSink names where permission decisions are recorded.
type AuditSink string

const (
	AuditSinkNone     AuditSink = "none"
	AuditSinkLog      AuditSink = "log"
	AuditSinkPostgres AuditSink = "postgres"

	// AuditSinkAll records to the log and to Postgres.
	AuditSinkAll AuditSink = "all"
)

func (a *AuditSink) Decode(value string) error {
	switch sink := AuditSink(value); sink {
	case AuditSinkNone, AuditSinkLog, AuditSinkPostgres, AuditSinkAll:
		*a = sink
		return nil
	default:
		return fmt.Errorf(
			"audit sink `%s`: wanted one of `none`, `log`, `postgres` or `all`",
			value,
		)
	}
}

func (a *AuditSink) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("yaml-unmarshaling *AuditSink: %w", err)
	}
	return a.Decode(v)
}

// LogLevel is a `slog.Level` written like "debug" or "WARN".
type LogLevel slog.Level

func (l *LogLevel) Decode(value string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	*l = LogLevel(level)
	return nil
}

func (l *LogLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("yaml-unmarshaling *LogLevel: %w", err)
	}
	return l.Decode(v)
}

func (l LogLevel) String() string { return slog.Level(l).String() }
