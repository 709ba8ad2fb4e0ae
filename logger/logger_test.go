package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/logger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(&buf, logger.Config{Format: "json", Level: zapcore.InfoLevel})
	require.NoError(t, err)

	gpid := replication.GPID{AppID: 3, PartitionIndex: 7}
	log.Debug("hidden")
	log.Info("committed", logger.Partition(gpid), logger.Ballot(2), logger.Decree(11), logger.Status(replication.StatusPrimary))
	require.NoError(t, log.Sync())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "committed", line["msg"])
	require.Equal(t, "3.7", line[logger.PartitionKey])
	require.Equal(t, float64(2), line[logger.BallotKey])
	require.Equal(t, float64(11), line[logger.DecreeKey])
	require.Equal(t, "primary", line[logger.StatusKey])
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := logger.New(&bytes.Buffer{}, logger.Config{Format: "xml"})
	require.Error(t, err)
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	require.Nil(t, logger.FromContext(ctx))

	log, err := logger.New(&bytes.Buffer{}, logger.NewConfig())
	require.NoError(t, err)
	ctx = logger.NewContextWithLogger(ctx, log)
	require.Same(t, log, logger.FromContext(ctx))
}
