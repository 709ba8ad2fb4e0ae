package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/replication/kit/cli"
	"github.com/influxdata/replication/logger"
	"github.com/influxdata/replication/replica"
	itoml "github.com/influxdata/replication/toml"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// DefaultHTTPBindAddress is the default address of the HTTP API.
	DefaultHTTPBindAddress = ":8090"

	// DefaultAppID is the app whose partitions are hosted at startup.
	DefaultAppID = 1

	// DefaultPartitions is the number of partitions hosted at startup.
	DefaultPartitions = 1

	// DefaultShutdownTimeout bounds the wait for in-flight requests on shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	// envPrefix prefixes environment variables overriding the config file.
	envPrefix = "REPLICAD"
)

// Bootstrap modes.
const (
	// BootstrapPrimary makes this node the primary of every hosted partition
	// it is not already primary of.
	BootstrapPrimary = "primary"

	// BootstrapNone opens the partitions and waits for configuration over HTTP.
	BootstrapNone = "none"
)

// Config represents the configuration format for the replicad binary.
type Config struct {
	DataDir         string         `toml:"data-dir"`
	HTTPBindAddress string         `toml:"http-bind-address"`
	PprofDisabled   bool           `toml:"pprof-disabled"`
	ShutdownTimeout itoml.Duration `toml:"shutdown-timeout"`

	AppID       int32    `toml:"app-id"`
	Partitions  int      `toml:"partitions"`
	Bootstrap   string   `toml:"bootstrap"`
	Secondaries []string `toml:"secondaries"`

	Replication replica.Options `toml:"replication"`
	Logging     logger.Config   `toml:"logging"`
}

// NewConfig returns an instance of Config with reasonable defaults.
func NewConfig() *Config {
	c := &Config{
		DataDir:         defaultDataDir(),
		HTTPBindAddress: DefaultHTTPBindAddress,
		ShutdownTimeout: itoml.Duration(DefaultShutdownTimeout),
		AppID:           DefaultAppID,
		Partitions:      DefaultPartitions,
		Bootstrap:       BootstrapPrimary,
		Replication:     replica.NewOptions(),
		Logging:         logger.NewConfig(),
	}
	c.Replication.Node = replica.DefaultNode + DefaultHTTPBindAddress
	return c
}

func defaultDataDir() string {
	var dir string
	// By default, store data in the current user's home directory
	u, err := user.Current()
	if err == nil {
		dir = u.HomeDir
	} else if home := os.Getenv("HOME"); home != "" {
		dir = home
	} else if wd, err := os.Getwd(); err == nil {
		dir = wd
	}
	return filepath.Join(dir, ".replicad")
}

// FromTomlFile loads the config from a TOML file.
func (c *Config) FromTomlFile(fpath string) error {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}

	// Handle any potential Byte-Order-Marks that may be in the config file.
	bom := unicode.BOMOverride(transform.Nop)
	bs, _, err = transform.Bytes(bom, bs)
	if err != nil {
		return err
	}
	return c.FromToml(string(bs))
}

// FromToml loads the config from TOML. Keys that match no option are an error.
func (c *Config) FromToml(input string) error {
	md, err := toml.Decode(input, c)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config option %q", undecoded[0].String())
	}
	return nil
}

// ApplyEnvOverrides apply the environment configuration on top of the config.
// REPLICAD_REPLICATION_CHECKPOINT_INTERVAL sets [replication] checkpoint-interval.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	return itoml.ApplyEnvOverrides(getenv, envPrefix, c)
}

// Validate returns an error if the config is invalid.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("data-dir must be set")
	case c.HTTPBindAddress == "":
		return errors.New("http-bind-address must be set")
	case c.AppID < 0:
		return errors.New("app-id must not be negative")
	case c.Partitions < 0:
		return errors.New("partitions must not be negative")
	case c.ShutdownTimeout < 0:
		return errors.New("shutdown-timeout must not be negative")
	}

	switch c.Bootstrap {
	case BootstrapPrimary, BootstrapNone:
	default:
		return fmt.Errorf("unknown bootstrap mode %q", c.Bootstrap)
	}

	for _, s := range c.Secondaries {
		if s == c.Replication.Node {
			return fmt.Errorf("node %q is listed as its own secondary", s)
		}
	}

	if err := c.Replication.Validate(); err != nil {
		return fmt.Errorf("invalid replication config: %v", err)
	}
	return nil
}

// Opts returns the command line options of the config, each pointing at its
// field in c. defaults provides the values shown in usage.
func (c *Config) Opts(defaults *Config) []cli.Opt {
	return []cli.Opt{
		{
			DestP:   &c.DataDir,
			Flag:    "data-dir",
			Default: defaults.DataDir,
			Desc:    "directory holding the shared log and the replicas",
		},
		{
			DestP:   &c.HTTPBindAddress,
			Flag:    "http-bind-address",
			Default: defaults.HTTPBindAddress,
			Desc:    "bind address for the HTTP API",
		},
		{
			DestP:   &c.PprofDisabled,
			Flag:    "pprof-disabled",
			Default: defaults.PprofDisabled,
			Desc:    "don't expose debugging information over HTTP at /debug/pprof",
		},
		{
			DestP:   (*time.Duration)(&c.ShutdownTimeout),
			Flag:    "shutdown-timeout",
			Default: time.Duration(defaults.ShutdownTimeout),
			Desc:    "how long to wait for in-flight requests on shutdown",
		},
		{
			DestP:   &c.AppID,
			Flag:    "app-id",
			Default: defaults.AppID,
			Desc:    "app whose partitions are hosted at startup",
		},
		{
			DestP:   &c.Partitions,
			Flag:    "partitions",
			Default: defaults.Partitions,
			Desc:    "number of partitions hosted at startup",
		},
		{
			DestP:   &c.Bootstrap,
			Flag:    "bootstrap",
			Default: defaults.Bootstrap,
			Desc:    "role taken for hosted partitions at startup: primary or none",
		},
		{
			DestP:   &c.Secondaries,
			Flag:    "secondaries",
			Default: defaults.Secondaries,
			Desc:    "secondaries of the partitions bootstrapped as primary",
		},
		{
			DestP:   &c.Replication.Node,
			Flag:    "node",
			Default: defaults.Replication.Node,
			Desc:    "host:port other nodes use to reach this node",
		},
		{
			DestP:   &c.Replication.MaxMutationCountInPrepareList,
			Flag:    "max-mutation-count-in-prepare-list",
			Default: defaults.Replication.MaxMutationCountInPrepareList,
			Desc:    "capacity of a replica's prepare window",
		},
		{
			DestP:   &c.Replication.StalenessForCommit,
			Flag:    "staleness-for-commit",
			Default: defaults.Replication.StalenessForCommit,
			Desc:    "decrees the shared log may run ahead of a replica's durable decree",
		},
		{
			DestP:   (*time.Duration)(&c.Replication.CheckpointInterval),
			Flag:    "checkpoint-interval",
			Default: time.Duration(defaults.Replication.CheckpointInterval),
			Desc:    "interval of the replica check timer, 0 disables it",
		},
		{
			DestP:   &c.Replication.CheckpointMinDecreeGap,
			Flag:    "checkpoint-min-decree-gap",
			Default: defaults.Replication.CheckpointMinDecreeGap,
			Desc:    "committed decrees past the durable decree that trigger a checkpoint",
		},
		{
			DestP:   &c.Replication.CommitLogEnabled,
			Flag:    "commit-log-enabled",
			Default: defaults.Replication.CommitLogEnabled,
			Desc:    "keep a private commit log per replica",
		},
		{
			DestP:   &c.Replication.SharedLogEnabled,
			Flag:    "shared-log-enabled",
			Default: defaults.Replication.SharedLogEnabled,
			Desc:    "log prepares to the shared log",
		},
		{
			DestP:   &c.Replication.LogCallbackWorkers,
			Flag:    "log-callback-workers",
			Default: defaults.Replication.LogCallbackWorkers,
			Desc:    "goroutines running log append callbacks",
		},
		{
			DestP:   &c.Logging.Level,
			Flag:    "log-level",
			Default: defaults.Logging.Level,
			Desc:    "supported log levels are debug, info, warn and error",
		},
		{
			DestP:   &c.Logging.Format,
			Flag:    "log-format",
			Default: defaults.Logging.Format,
			Desc:    "log format: auto, console or json",
		},
	}
}

// applyFlags copies the options set on the command line or in the
// environment from flags into c.
func (c *Config) applyFlags(flags *Config, isSet func(string) bool) {
	dst, src := c.Opts(c), flags.Opts(flags)
	for i, o := range src {
		if !isSet(o.Flag) {
			continue
		}
		reflect.ValueOf(dst[i].DestP).Elem().Set(reflect.ValueOf(o.DestP).Elem())
	}
}
