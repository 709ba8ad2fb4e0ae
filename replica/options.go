package replica

import (
	"errors"
	"time"

	"github.com/influxdata/replication/commitlog"
	"github.com/influxdata/replication/toml"
)

const (
	DefaultNode                          = "localhost"
	DefaultMaxMutationCountInPrepareList = 1024
	DefaultStalenessForCommit            = 20
	DefaultCheckpointInterval            = 10 * time.Second
	DefaultCheckpointMinDecreeGap        = 100
)

// Options configures a stub and every replica it hosts.
type Options struct {
	// Node is the name other replicas use to reach this stub.
	Node string `toml:"node"`

	MaxMutationCountInPrepareList int `toml:"max-mutation-count-in-prepare-list"`

	// StalenessForCommit bounds how far the shared log's min decree may run
	// ahead of a replica's durable decree.
	StalenessForCommit int `toml:"staleness-for-commit"`

	CheckpointInterval     toml.Duration `toml:"checkpoint-interval"`
	CheckpointMinDecreeGap int64         `toml:"checkpoint-min-decree-gap"`

	CommitLogEnabled bool `toml:"commit-log-enabled"`
	SharedLogEnabled bool `toml:"shared-log-enabled"`

	LogSegmentSize     toml.Size `toml:"log-segment-size"`
	LogCallbackWorkers int       `toml:"log-callback-workers"`
}

// NewOptions returns Options with defaults.
func NewOptions() Options {
	return Options{
		Node:                          DefaultNode,
		MaxMutationCountInPrepareList: DefaultMaxMutationCountInPrepareList,
		StalenessForCommit:            DefaultStalenessForCommit,
		CheckpointInterval:            toml.Duration(DefaultCheckpointInterval),
		CheckpointMinDecreeGap:        DefaultCheckpointMinDecreeGap,
		CommitLogEnabled:              true,
		SharedLogEnabled:              true,
		LogSegmentSize:                toml.Size(commitlog.DefaultSegmentSize),
		LogCallbackWorkers:            commitlog.DefaultCallbackWorkers,
	}
}

// Validate returns an error if the options are unusable.
func (o Options) Validate() error {
	switch {
	case o.Node == "":
		return errors.New("node must be set")
	case o.MaxMutationCountInPrepareList <= 0:
		return errors.New("max-mutation-count-in-prepare-list must be positive")
	case o.StalenessForCommit <= 0:
		return errors.New("staleness-for-commit must be positive")
	case o.CheckpointInterval < 0:
		return errors.New("checkpoint-interval must not be negative")
	case o.CheckpointMinDecreeGap < 0:
		return errors.New("checkpoint-min-decree-gap must not be negative")
	case o.LogCallbackWorkers <= 0:
		return errors.New("log-callback-workers must be positive")
	}
	return nil
}

func (o Options) logOptions(name string, m *commitlog.Metrics) commitlog.Options {
	opts := commitlog.NewOptions()
	opts.Name = name
	opts.SegmentSize = int64(o.LogSegmentSize)
	opts.CallbackWorkers = o.LogCallbackWorkers
	opts.Metrics = m
	return opts
}
