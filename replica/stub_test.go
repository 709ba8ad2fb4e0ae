package replica

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/mock"
	"github.com/influxdata/replication/toml"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testAppType = "mock"

// testApps hands out a fresh in-memory app per open, as if the app had lost
// everything not recovered from the logs.
type testApps struct {
	mu   sync.Mutex
	apps map[string]*mock.App
}

func newTestApps() *testApps { return &testApps{apps: make(map[string]*mock.App)} }

func (a *testApps) open(dir string) (App, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	app := mock.NewApp(0, 0)
	a.apps[dir] = app
	return app, nil
}

func (a *testApps) get(dir string) *mock.App {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apps[dir]
}

func newTestStub(t *testing.T, dir, node string, apps *testApps, with ...func(*Options)) *Stub {
	t.Helper()

	opts := testOptions()
	opts.Node = node
	for _, fn := range with {
		fn(&opts)
	}
	s := NewStub(dir, opts)
	s.WithLogger(zaptest.NewLogger(t))
	s.RegisterApp(testAppType, apps.open)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStub_OpenReplica(t *testing.T) {
	ctx := context.Background()
	s := newTestStub(t, t.TempDir(), "n1", newTestApps())

	r, err := s.OpenReplica(ctx, testGPID, testAppType)
	require.NoError(t, err)
	require.Equal(t, replication.StatusInactive, r.Status())
	require.Same(t, r, s.Replica(testGPID))

	again, err := s.OpenReplica(ctx, testGPID, testAppType)
	require.NoError(t, err)
	require.Same(t, r, again)

	_, err = s.OpenReplica(ctx, replication.GPID{AppID: 2}, "unknown")
	require.Equal(t, replication.EInvalid, replication.ErrorCode(err))

	require.Nil(t, s.Replica(replication.GPID{AppID: 2}))
	require.Len(t, s.PrometheusCollectors(), 11)
}

func TestStub_Lifecycle(t *testing.T) {
	ctx := context.Background()

	s := NewStub(t.TempDir(), testOptions())
	s.RegisterApp(testAppType, newTestApps().open)
	_, err := s.OpenReplica(ctx, testGPID, testAppType)
	require.Equal(t, replication.EClosed, replication.ErrorCode(err), "not opened")

	require.NoError(t, s.Open(ctx))
	require.Equal(t, replication.EInvalidState, replication.ErrorCode(s.Open(ctx)))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.OpenReplica(ctx, testGPID, testAppType)
	require.Equal(t, replication.EClosed, replication.ErrorCode(err))

	t.Run("invalid options", func(t *testing.T) {
		opts := testOptions()
		opts.StalenessForCommit = 0
		err := NewStub(t.TempDir(), opts).Open(ctx)
		require.Equal(t, replication.EInvalid, replication.ErrorCode(err))
	})
}

func TestStub_Replicas_Sorted(t *testing.T) {
	ctx := context.Background()
	s := newTestStub(t, t.TempDir(), "n1", newTestApps())

	for _, gpid := range []replication.GPID{{AppID: 2, PartitionIndex: 1}, {AppID: 1, PartitionIndex: 3}, {AppID: 1, PartitionIndex: 0}} {
		_, err := s.OpenReplica(ctx, gpid, testAppType)
		require.NoError(t, err)
	}

	var got []string
	for _, info := range s.Configurations() {
		got = append(got, info.GPID.String())
		require.Equal(t, "inactive", info.StatusName)
	}
	require.Equal(t, []string{"1.0", "1.3", "2.1"}, got)
}

func TestParseReplicaDir(t *testing.T) {
	gpid, appType, err := parseReplicaDir(replicaDirName(replication.GPID{AppID: 3, PartitionIndex: 7}, "kv"))
	require.NoError(t, err)
	require.Equal(t, replication.GPID{AppID: 3, PartitionIndex: 7}, gpid)
	require.Equal(t, "kv", appType)

	for _, name := range []string{"slog", "1.2", "1.2.", "a.2.kv", "1.b.kv"} {
		_, _, err := parseReplicaDir(name)
		require.Error(t, err, name)
	}
}

func TestStub_WriteAndRecover(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	apps := newTestApps()
	s := newTestStub(t, dir, "n1", apps)
	r, err := s.OpenReplica(ctx, testGPID, testAppType)
	require.NoError(t, err)
	require.NoError(t, assignPrimary(r, 1))

	const n = 100
	for i := 1; i <= n; i++ {
		require.Equal(t, replication.Decree(i), writeAndWait(t, r, fmt.Sprintf("v%d", i)))
	}
	require.NoError(t, r.commitLog.Flush(ctx))
	require.Equal(t, replication.Decree(n), r.commitLog.MaxDecree(testGPID))
	require.Equal(t, replication.Decree(n), apps.get(r.Dir()).LastCommittedDecree())
	require.NoError(t, s.Close())

	// The new app starts empty and is rebuilt from the commit log.
	apps = newTestApps()
	s = newTestStub(t, dir, "n1", apps)
	r = s.Replica(testGPID)
	require.NotNil(t, r)
	require.Equal(t, replication.StatusInactive, r.Status())
	require.Equal(t, replication.Decree(n), r.LastCommittedDecree())

	app := apps.get(r.Dir())
	require.Len(t, app.Applied(), n)
	require.Equal(t, []byte("v100"), app.Payloads()[n-1])
	require.True(t, r.Diagnose().Complete())

	require.NoError(t, assignPrimary(r, 2))
	require.Equal(t, replication.Decree(n+1), writeAndWait(t, r, "after"))
}

func TestStub_RecoverFromSharedLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	withoutCommitLog := func(o *Options) { o.CommitLogEnabled = false }

	s := newTestStub(t, dir, "n1", newTestApps(), withoutCommitLog)
	r, err := s.OpenReplica(ctx, testGPID, testAppType)
	require.NoError(t, err)
	require.NoError(t, assignPrimary(r, 3))
	for i := 1; i <= 10; i++ {
		writeAndWait(t, r, fmt.Sprintf("v%d", i))
	}
	require.NoError(t, s.Close())

	apps := newTestApps()
	s = newTestStub(t, dir, "n1", apps, withoutCommitLog)
	r = s.Replica(testGPID)
	require.NotNil(t, r)

	// The last prepare only carries the primary's committed decree before it,
	// so it is recovered as prepared but not committed.
	require.Equal(t, replication.Decree(9), r.LastCommittedDecree())
	require.Equal(t, replication.Decree(10), r.LastPreparedDecree())
	require.Equal(t, replication.Ballot(3), r.Configuration().Ballot)

	require.NoError(t, assignPrimary(r, 4))
	require.Eventually(t, func() bool {
		return r.LastCommittedDecree() == 10
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("v10"), apps.get(r.Dir()).Payloads()[9])
}

func TestStub_Replication(t *testing.T) {
	ctx := context.Background()
	tr := NewLocalTransport()

	appsA, appsB := newTestApps(), newTestApps()
	a := newTestStub(t, t.TempDir(), "a", appsA)
	b := newTestStub(t, t.TempDir(), "b", appsB)
	a.WithTransport(tr)
	b.WithTransport(tr)
	tr.Register("a", a)
	tr.Register("b", b)

	ra, err := a.OpenReplica(ctx, testGPID, testAppType)
	require.NoError(t, err)
	rb, err := b.OpenReplica(ctx, testGPID, testAppType)
	require.NoError(t, err)

	require.NoError(t, rb.UpdateConfiguration(replication.ReplicaConfiguration{
		GPID: testGPID, Ballot: 1, Primary: "a", Status: replication.StatusSecondary,
	}))
	require.NoError(t, ra.AssignPrimary(replication.PartitionConfiguration{
		GPID: testGPID, Ballot: 1, Primary: "a", Secondaries: []string{"b"},
	}))

	for i := 1; i <= 20; i++ {
		writeAndWait(t, ra, fmt.Sprintf("v%d", i))
	}
	require.Equal(t, replication.Decree(20), ra.LastCommittedDecree())
	require.Eventually(t, func() bool {
		return rb.LastCommittedDecree() == 19
	}, 5*time.Second, 10*time.Millisecond)

	appB := appsB.get(rb.Dir())
	require.Len(t, appB.Applied(), 19)
	require.Equal(t, appsA.get(ra.Dir()).Payloads()[:19], appB.Payloads())

	pc, ok := ra.GroupConfiguration()
	require.True(t, ok)
	require.Equal(t, []string{"b"}, pc.Secondaries)

	// An unreachable secondary is dropped and writes go on without it.
	tr.Unregister("b")
	writeAndWait(t, ra, "v21")
	pc, _ = ra.GroupConfiguration()
	require.Empty(t, pc.Secondaries)
}

func TestStub_GarbageCollect(t *testing.T) {
	ctx := context.Background()
	s := newTestStub(t, t.TempDir(), "n1", newTestApps(), func(o *Options) {
		o.LogSegmentSize = toml.Size(1)
		o.CheckpointMinDecreeGap = 1
	})
	r, err := s.OpenReplica(ctx, testGPID, testAppType)
	require.NoError(t, err)
	require.NoError(t, assignPrimary(r, 1))

	for i := 1; i <= 10; i++ {
		writeAndWait(t, r, fmt.Sprintf("v%d", i))
	}
	require.NoError(t, r.commitLog.Flush(ctx))

	n, err := s.GarbageCollect()
	require.NoError(t, err)
	require.Zero(t, n, "nothing is durable yet")

	r.onCheck()
	require.Equal(t, replication.Decree(10), r.LastDurableDecree())

	n, err = s.GarbageCollect()
	require.NoError(t, err)
	require.Greater(t, n, 0)

	diags := s.Diagnose()
	require.Len(t, diags, 1)
	require.True(t, diags[0].Complete(), "%v", diags[0].Problems)

	require.Equal(t, replication.Decree(11), writeAndWait(t, r, "v11"))
}
