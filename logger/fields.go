package logger

import (
	"github.com/influxdata/replication"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// PartitionKey is the logging context key used for identifying a partition.
	PartitionKey = "partition"

	// BallotKey is the logging context key used for a ballot.
	BallotKey = "ballot"

	// DecreeKey is the logging context key used for a decree.
	DecreeKey = "decree"

	// StatusKey is the logging context key used for a replica's partition status.
	StatusKey = "status"
)

// Partition returns a field for tracking the partition a message refers to.
func Partition(gpid replication.GPID) zapcore.Field {
	return zap.Stringer(PartitionKey, gpid)
}

// Ballot returns a field for a ballot.
func Ballot(b replication.Ballot) zapcore.Field {
	return zap.Int64(BallotKey, int64(b))
}

// Decree returns a field for a decree.
func Decree(d replication.Decree) zapcore.Field {
	return zap.Int64(DecreeKey, int64(d))
}

// Status returns a field for a partition status.
func Status(s replication.PartitionStatus) zapcore.Field {
	return zap.Stringer(StatusKey, s)
}
