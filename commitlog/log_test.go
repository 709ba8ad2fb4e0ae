package commitlog_test

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/commitlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var (
	gpidA = replication.GPID{AppID: 1, PartitionIndex: 0}
	gpidB = replication.GPID{AppID: 1, PartitionIndex: 1}
)

func mustOpenLog(t *testing.T, dir string, opts commitlog.Options) *commitlog.Log {
	t.Helper()
	l := commitlog.New(dir, opts)
	require.NoError(t, l.Open())
	t.Cleanup(func() { l.Close() })
	return l
}

func flush(t *testing.T, l *commitlog.Log) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, l.Flush(ctx))
}

func appendRange(l *commitlog.Log, gpid replication.GPID, from, to replication.Decree, fn commitlog.AppendFunc) {
	for d := from; d <= to; d++ {
		l.Append(replication.NewMutation(gpid, 1, d, []byte{byte(d)}), commitlog.PartitionHash(gpid), fn)
	}
}

func replayed(t *testing.T, l *commitlog.Log, gpid replication.GPID, from replication.Decree) []replication.Decree {
	t.Helper()
	var got []replication.Decree
	require.NoError(t, l.Replay(gpid, from, func(m *replication.Mutation) error {
		require.Equal(t, gpid, m.GPID)
		require.Equal(t, []byte{byte(m.Decree)}, m.Payload)
		got = append(got, m.Decree)
		return nil
	}))
	return got
}

func decrees(from, to replication.Decree) []replication.Decree {
	var a []replication.Decree
	for d := from; d <= to; d++ {
		a = append(a, d)
	}
	return a
}

func TestLog_AppendCallbacksInOrder(t *testing.T) {
	l := mustOpenLog(t, t.TempDir(), commitlog.NewOptions())

	var mu sync.Mutex
	got := map[replication.GPID][]replication.Decree{}
	record := func(gpid replication.GPID, d replication.Decree) commitlog.AppendFunc {
		return func(n int, err error) {
			require.NoError(t, err)
			require.True(t, n > 0)
			mu.Lock()
			got[gpid] = append(got[gpid], d)
			mu.Unlock()
		}
	}

	for d := replication.Decree(1); d <= 100; d++ {
		for _, gpid := range []replication.GPID{gpidA, gpidB} {
			l.Append(replication.NewMutation(gpid, 1, d, nil), commitlog.PartitionHash(gpid), record(gpid, d))
		}
	}
	flush(t, l)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, decrees(1, 100), got[gpidA])
	require.Equal(t, decrees(1, 100), got[gpidB])
	require.Equal(t, replication.Decree(100), l.MaxDecree(gpidA))
	require.Equal(t, replication.Decree(0), l.MinDecree(gpidA))
}

func TestLog_ReplayIncludesQueuedAppends(t *testing.T) {
	l := mustOpenLog(t, t.TempDir(), commitlog.NewOptions())

	appendRange(l, gpidA, 1, 50, nil)

	// Whatever the writer has done by now, every decree is seen exactly once.
	require.Equal(t, decrees(1, 50), replayed(t, l, gpidA, 0))
	require.Equal(t, decrees(21, 50), replayed(t, l, gpidA, 20))

	flush(t, l)
	require.Equal(t, decrees(1, 50), replayed(t, l, gpidA, 0))
	require.Empty(t, replayed(t, l, gpidB, 0))
}

func TestLog_Reopen(t *testing.T) {
	dir := t.TempDir()

	l := commitlog.New(dir, commitlog.NewOptions())
	require.NoError(t, l.Open())
	appendRange(l, gpidA, 1, 30, nil)
	appendRange(l, gpidB, 1, 5, nil)
	require.NoError(t, l.Close())

	l = mustOpenLog(t, dir, commitlog.NewOptions())
	require.Equal(t, replication.Decree(30), l.MaxDecree(gpidA))
	require.Equal(t, replication.Decree(5), l.MaxDecree(gpidB))
	require.Equal(t, decrees(1, 30), replayed(t, l, gpidA, 0))

	// Appends continue in a fresh segment.
	appendRange(l, gpidA, 31, 40, nil)
	flush(t, l)
	require.Equal(t, decrees(1, 40), replayed(t, l, gpidA, 0))

	names, err := commitlog.SegmentFileNames(dir)
	require.NoError(t, err)
	require.Len(t, names, 2)
}

func TestLog_Open_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	l := commitlog.New(dir, commitlog.NewOptions())
	require.NoError(t, l.Open())
	appendRange(l, gpidA, 1, 10, nil)
	require.NoError(t, l.Close())

	names, err := commitlog.SegmentFileNames(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)

	fi, err := os.Stat(names[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(names[0], fi.Size()-2))

	l = mustOpenLog(t, dir, commitlog.NewOptions())
	require.Equal(t, decrees(1, 9), replayed(t, l, gpidA, 0))
	require.Equal(t, replication.Decree(9), l.MaxDecree(gpidA))
}

func TestLog_Open_TruncatesUndecodableTail(t *testing.T) {
	dir := t.TempDir()

	l := commitlog.New(dir, commitlog.NewOptions())
	require.NoError(t, l.Open())
	appendRange(l, gpidA, 1, 3, nil)
	require.NoError(t, l.Close())

	names, err := commitlog.SegmentFileNames(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)
	fi, err := os.Stat(names[0])
	require.NoError(t, err)

	// A record whose checksum matches but whose payload is not a mutation.
	compressed := snappy.Encode(nil, []byte("not a mutation"))
	rec := make([]byte, 13+len(compressed))
	rec[0] = byte(commitlog.WriteRecordType)
	binary.BigEndian.PutUint32(rec[1:5], uint32(len(compressed)))
	binary.BigEndian.PutUint64(rec[5:13], xxhash.Sum64(compressed))
	copy(rec[13:], compressed)

	f, err := os.OpenFile(names[0], os.O_APPEND|os.O_WRONLY, 0666)
	require.NoError(t, err)
	_, err = f.Write(rec)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = commitlog.New(dir, commitlog.NewOptions())
	require.NoError(t, l.Open())
	after, err := os.Stat(names[0])
	require.NoError(t, err)
	require.Equal(t, fi.Size(), after.Size())

	appendRange(l, gpidA, 4, 5, nil)
	require.NoError(t, l.Close())

	// The repaired segment opens cleanly once it is no longer the last one.
	l = mustOpenLog(t, dir, commitlog.NewOptions())
	require.Equal(t, decrees(1, 5), replayed(t, l, gpidA, 0))
}

func TestLog_ResetAsCommitLog(t *testing.T) {
	dir := t.TempDir()
	l := commitlog.New(dir, commitlog.NewOptions())
	require.NoError(t, l.Open())

	appendRange(l, gpidA, 1, 10, nil)
	appendRange(l, gpidB, 1, 3, nil)
	l.ResetAsCommitLog(gpidA, 5)
	require.Equal(t, replication.Decree(5), l.MinDecree(gpidA))
	require.Equal(t, replication.Decree(5), l.MaxDecree(gpidA))
	require.Empty(t, replayed(t, l, gpidA, 0))

	appendRange(l, gpidA, 6, 7, nil)
	flush(t, l)
	require.Equal(t, decrees(6, 7), replayed(t, l, gpidA, 0))
	require.Equal(t, decrees(1, 3), replayed(t, l, gpidB, 0))
	require.NoError(t, l.Close())

	// The reset is durable.
	l = mustOpenLog(t, dir, commitlog.NewOptions())
	require.Equal(t, replication.Decree(5), l.MinDecree(gpidA))
	require.Equal(t, replication.Decree(7), l.MaxDecree(gpidA))
	require.Equal(t, decrees(6, 7), replayed(t, l, gpidA, 0))
}

func TestLog_GarbageCollect(t *testing.T) {
	dir := t.TempDir()
	opts := commitlog.NewOptions()
	opts.SegmentSize = 1 // one record per segment
	l := mustOpenLog(t, dir, opts)

	appendRange(l, gpidA, 1, 10, nil)
	flush(t, l)

	names, err := commitlog.SegmentFileNames(dir)
	require.NoError(t, err)
	require.Len(t, names, 10)

	// A partition missing from the durable map pins its segments.
	n, err := l.GarbageCollect(map[replication.GPID]replication.Decree{gpidB: 100})
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = l.GarbageCollect(map[replication.GPID]replication.Decree{gpidA: 5})
	require.NoError(t, err)
	require.Equal(t, 5, n)

	names, err = commitlog.SegmentFileNames(dir)
	require.NoError(t, err)
	require.Len(t, names, 5)

	require.Equal(t, replication.Decree(5), l.MinDecree(gpidA))
	require.Equal(t, replication.Decree(10), l.MaxDecree(gpidA))
	require.Equal(t, decrees(6, 10), replayed(t, l, gpidA, 0))

	// The segment being written is never removed.
	n, err = l.GarbageCollect(map[replication.GPID]replication.Decree{gpidA: 10})
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestLog_AppendAfterClose(t *testing.T) {
	l := commitlog.New(t.TempDir(), commitlog.NewOptions())
	require.NoError(t, l.Open())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	done := make(chan error, 1)
	l.Append(replication.NewMutation(gpidA, 1, 1, nil), 0, func(n int, err error) { done <- err })
	select {
	case err := <-done:
		require.Equal(t, replication.EClosed, replication.ErrorCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}

	require.Equal(t, replication.EClosed, replication.ErrorCode(l.Flush(context.Background())))
}

func TestLog_Metrics(t *testing.T) {
	m := commitlog.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.PrometheusCollectors()...)

	opts := commitlog.NewOptions()
	opts.Name = "shared"
	opts.Metrics = m
	l := mustOpenLog(t, t.TempDir(), opts)

	appendRange(l, gpidA, 1, 7, nil)
	flush(t, l)

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if mf.GetName() == "replication_commitlog_appends_total" {
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == "status" {
						counts[lp.GetValue()] = metric.GetCounter().GetValue()
					}
				}
			}
		}
	}
	require.Equal(t, float64(7), counts["ok"])
	require.Equal(t, 1, testutil.CollectAndCount(m.PrometheusCollectors()[2]))
}

func TestPartitionHash(t *testing.T) {
	require.Equal(t, commitlog.PartitionHash(gpidA), commitlog.PartitionHash(gpidA))
	require.NotEqual(t, commitlog.PartitionHash(gpidA), commitlog.PartitionHash(gpidB))
}
