package replica

import (
	"context"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/commitlog"
)

//go:generate go run github.com/golang/mock/mockgen -package mock -destination ../mock/commit_log.go github.com/influxdata/replication/replica CommitLog

// App is the state machine a replica keeps consistent.
//
// Apply, LastCommittedDecree and LastDurableDecree are only called by the
// owning replica and never concurrently with each other. Read and Checkpoint
// may run concurrently with them.
type App interface {
	// Apply applies the mutation at LastCommittedDecree()+1. A mutation with
	// an empty payload is a no-op that still advances the committed decree.
	Apply(m *replication.Mutation) error

	LastCommittedDecree() replication.Decree

	// LastDurableDecree is the highest decree that survives a restart of the
	// app without any log.
	LastDurableDecree() replication.Decree

	Read(ctx context.Context, req []byte) ([]byte, error)

	// Checkpoint makes everything applied so far durable.
	Checkpoint(ctx context.Context) error

	Close(clearState bool) error
}

// AppFactory opens the app stored in dir.
type AppFactory func(dir string) (App, error)

// CommitLog is the durable log a replica appends committed mutations to. The
// stub's shared prepare log satisfies it too.
type CommitLog interface {
	Append(m *replication.Mutation, hash uint64, fn commitlog.AppendFunc)
	MinDecree(gpid replication.GPID) replication.Decree
	MaxDecree(gpid replication.GPID) replication.Decree
	ResetAsCommitLog(gpid replication.GPID, base replication.Decree)
	Replay(gpid replication.GPID, from replication.Decree, fn func(*replication.Mutation) error) error
	GarbageCollect(durable map[replication.GPID]replication.Decree) (int, error)
	Flush(ctx context.Context) error
	Close() error
}

var _ CommitLog = (*commitlog.Log)(nil)
