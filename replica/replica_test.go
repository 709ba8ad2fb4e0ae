package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/commitlog"
	"github.com/influxdata/replication/mock"
	"github.com/influxdata/replication/toml"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testGPID = replication.GPID{AppID: 1, PartitionIndex: 0}

func testOptions() Options {
	opts := NewOptions()
	opts.Node = "n1"
	opts.CheckpointInterval = 0
	return opts
}

func newTestReplica(t *testing.T, app App, clog, slog CommitLog, with ...func(*replicaConfig)) *Replica {
	t.Helper()

	c := replicaConfig{
		gpid:      testGPID,
		dir:       t.TempDir(),
		opts:      testOptions(),
		app:       app,
		commitLog: clog,
		sharedLog: slog,
		metrics:   NewMetrics(),
		logger:    zaptest.NewLogger(t),
	}
	for _, fn := range with {
		fn(&c)
	}
	r := newReplica(c)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func assignPrimary(r *Replica, ballot replication.Ballot, secondaries ...string) error {
	return r.AssignPrimary(replication.PartitionConfiguration{
		GPID:        r.gpid,
		Ballot:      ballot,
		Primary:     r.node,
		Secondaries: secondaries,
	})
}

func mutationAt(d replication.Decree) *replication.Mutation {
	m := replication.NewMutation(testGPID, 1, d, []byte(fmt.Sprintf("m%d", d)))
	m.LastCommittedDecree = d - 1
	m.SetLogged()
	return m
}

type writeResult struct {
	decree replication.Decree
	err    error
}

func write(t *testing.T, r *Replica, payload string) <-chan writeResult {
	t.Helper()
	ch := make(chan writeResult, 1)
	require.NoError(t, r.Write([]byte(payload), func(d replication.Decree, err error) {
		ch <- writeResult{decree: d, err: err}
	}))
	return ch
}

func wait(t *testing.T, ch <-chan writeResult) writeResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write")
	}
	return writeResult{}
}

func writeAndWait(t *testing.T, r *Replica, payload string) replication.Decree {
	t.Helper()
	res := wait(t, write(t, r, payload))
	require.NoError(t, res.err)
	return res.decree
}

type appended struct {
	m  *replication.Mutation
	fn commitlog.AppendFunc
}

// newHeldLog returns a log whose appends are acknowledged only when the test
// calls the captured callbacks.
func newHeldLog(ctrl *gomock.Controller) (*mock.MockCommitLog, *[]appended) {
	l := mock.NewMockCommitLog(ctrl)
	var a []appended
	l.EXPECT().MinDecree(gomock.Any()).Return(replication.Decree(0)).AnyTimes()
	l.EXPECT().MaxDecree(gomock.Any()).Return(replication.Decree(0)).AnyTimes()
	l.EXPECT().Append(gomock.Any(), gomock.Any(), gomock.Any()).Do(func(m *replication.Mutation, _ uint64, fn commitlog.AppendFunc) {
		a = append(a, appended{m: m, fn: fn})
	}).AnyTimes()
	l.EXPECT().Close().Return(nil).AnyTimes()
	return l, &a
}

func decrees(ds ...replication.Decree) []replication.Decree { return ds }

func TestReplica_Write_NotPrimary(t *testing.T) {
	r := newTestReplica(t, mock.NewApp(0, 0), nil, nil)

	err := r.Write([]byte("x"), func(replication.Decree, error) {
		t.Fatal("done must not be called for a rejected write")
	})
	require.Equal(t, replication.EInvalidState, replication.ErrorCode(err))
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("rejected")))
}

func TestReplica_Write_CommitsWithoutSecondaries(t *testing.T) {
	app := mock.NewApp(0, 0)
	r := newTestReplica(t, app, nil, nil)
	require.NoError(t, assignPrimary(r, 1))

	for i := 1; i <= 3; i++ {
		require.Equal(t, replication.Decree(i), writeAndWait(t, r, fmt.Sprintf("v%d", i)))
	}
	require.Equal(t, decrees(1, 2, 3), app.Applied())
	require.Equal(t, replication.Decree(3), r.LastCommittedDecree())
	require.Equal(t, 3.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("ok")))
	require.Equal(t, 3.0, testutil.ToFloat64(r.metrics.committed.WithLabelValues("primary")))
}

func TestReplica_Write_PrepareListFull(t *testing.T) {
	ctrl := gomock.NewController(t)
	slog, _ := newHeldLog(ctrl)
	r := newTestReplica(t, mock.NewApp(0, 0), nil, slog, func(c *replicaConfig) {
		c.opts.MaxMutationCountInPrepareList = 2
	})
	require.NoError(t, assignPrimary(r, 1))

	write(t, r, "a")
	write(t, r, "b")
	err := r.Write([]byte("c"), nil)
	require.Equal(t, replication.ECapacityExceeded, replication.ErrorCode(err))
}

func TestReplica_UpdateConfiguration(t *testing.T) {
	r := newTestReplica(t, mock.NewApp(0, 0), nil, nil)

	require.NoError(t, r.UpdateConfiguration(replication.ReplicaConfiguration{
		GPID: testGPID, Ballot: 3, Primary: "n2", Status: replication.StatusSecondary,
	}))
	require.Equal(t, replication.StatusSecondary, r.Status())
	require.Equal(t, replication.Ballot(3), r.Configuration().Ballot)
	require.Equal(t, "n2", r.Configuration().Primary)
	require.Equal(t, 3.0, testutil.ToFloat64(r.metrics.status.WithLabelValues(testGPID.String())))

	t.Run("stale ballot", func(t *testing.T) {
		err := r.UpdateConfiguration(replication.ReplicaConfiguration{GPID: testGPID, Ballot: 2, Status: replication.StatusInactive})
		require.Equal(t, replication.EStaleBallot, replication.ErrorCode(err))
		require.Equal(t, replication.StatusSecondary, r.Status())
	})

	t.Run("primary", func(t *testing.T) {
		err := r.UpdateConfiguration(replication.ReplicaConfiguration{GPID: testGPID, Ballot: 4, Status: replication.StatusPrimary})
		require.Equal(t, replication.EInvalid, replication.ErrorCode(err))
	})

	t.Run("error status is sticky", func(t *testing.T) {
		require.NoError(t, r.UpdateConfiguration(replication.ReplicaConfiguration{GPID: testGPID, Ballot: 3, Status: replication.StatusError}))
		require.Equal(t, replication.StatusError, r.Status())
		require.Error(t, r.Err())

		err := r.UpdateConfiguration(replication.ReplicaConfiguration{GPID: testGPID, Ballot: 3, Status: replication.StatusSecondary})
		require.Equal(t, replication.EInvalidState, replication.ErrorCode(err))

		err = assignPrimary(r, 5)
		require.Equal(t, replication.EInvalidState, replication.ErrorCode(err))

		require.NoError(t, r.UpdateConfiguration(replication.ReplicaConfiguration{GPID: testGPID, Ballot: 3, Status: replication.StatusInactive}))
		require.Equal(t, replication.StatusInactive, r.Status())
		require.NoError(t, r.Err())
	})
}

func TestReplica_AssignPrimary(t *testing.T) {
	r := newTestReplica(t, mock.NewApp(0, 0), nil, nil)

	t.Run("wrong node", func(t *testing.T) {
		err := r.AssignPrimary(replication.PartitionConfiguration{GPID: testGPID, Ballot: 1, Primary: "n2"})
		require.Equal(t, replication.EInvalid, replication.ErrorCode(err))
	})

	t.Run("own secondary", func(t *testing.T) {
		err := assignPrimary(r, 1, "n1")
		require.Equal(t, replication.EInvalid, replication.ErrorCode(err))
	})

	t.Run("wrong partition", func(t *testing.T) {
		err := r.AssignPrimary(replication.PartitionConfiguration{GPID: replication.GPID{AppID: 9}, Ballot: 1, Primary: "n1"})
		require.Equal(t, replication.EInvalid, replication.ErrorCode(err))
	})

	require.NoError(t, assignPrimary(r, 1))
	require.Equal(t, replication.StatusPrimary, r.Status())

	t.Run("same ballot", func(t *testing.T) {
		err := assignPrimary(r, 1)
		require.Equal(t, replication.EStaleBallot, replication.ErrorCode(err))
	})

	require.NoError(t, assignPrimary(r, 2))
	require.Equal(t, replication.Ballot(2), r.Configuration().Ballot)
}

func TestReplica_AssignPrimary_PreparesUncommittedAgain(t *testing.T) {
	ctrl := gomock.NewController(t)
	slog, appends := newHeldLog(ctrl)
	app := mock.NewApp(0, 0)
	r := newTestReplica(t, app, nil, slog)
	require.NoError(t, assignPrimary(r, 1))

	first := write(t, r, "a")
	require.Len(t, *appends, 1)

	// Moving to a new ballot fails the pending client write and prepares its
	// mutation again.
	require.NoError(t, assignPrimary(r, 2))
	res := wait(t, first)
	require.True(t, errors.Is(res.err, replication.ErrInvalidState))

	require.Len(t, *appends, 2)
	again := (*appends)[1].m
	require.Equal(t, replication.Ballot(2), again.Ballot)
	require.Equal(t, replication.Decree(1), again.Decree)
	require.Equal(t, []byte("a"), again.Payload)

	// The old ballot's log acknowledgement is ignored.
	(*appends)[0].fn(1, nil)
	require.Equal(t, replication.Decree(0), r.LastCommittedDecree())

	(*appends)[1].fn(1, nil)
	require.Equal(t, replication.Decree(1), r.LastCommittedDecree())
	require.Equal(t, [][]byte{[]byte("a")}, app.Payloads())
}

func TestReplica_GroupConfiguration(t *testing.T) {
	r := newTestReplica(t, mock.NewApp(0, 0), nil, nil)

	_, ok := r.GroupConfiguration()
	require.False(t, ok)

	tr := newHeldTransport()
	r.transport = tr
	require.NoError(t, assignPrimary(r, 4, "n2", "n3"))
	pc, ok := r.GroupConfiguration()
	require.True(t, ok)
	require.Equal(t, replication.PartitionConfiguration{
		GPID:                testGPID,
		Ballot:              4,
		Primary:             "n1",
		Secondaries:         []string{"n2", "n3"},
		LastCommittedDecree: 0,
	}, pc)
}

// heldTransport records prepares; the test answers them.
type heldTransport struct {
	mu    sync.Mutex
	sends []heldPrepare
}

type heldPrepare struct {
	node string
	m    *replication.Mutation
	done func(error)
}

func newHeldTransport() *heldTransport { return &heldTransport{} }

func (t *heldTransport) Prepare(node string, m *replication.Mutation, done func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, heldPrepare{node: node, m: m, done: done})
}

func (t *heldTransport) reply(node string, d replication.Decree, err error) {
	t.mu.Lock()
	var done func(error)
	for _, s := range t.sends {
		if s.node == node && s.m.Decree == d {
			done = s.done
		}
	}
	t.mu.Unlock()
	if done == nil {
		panic(fmt.Sprintf("no prepare of %d sent to %s", d, node))
	}
	done(err)
}

func TestReplica_Write_WaitsForSecondaries(t *testing.T) {
	app := mock.NewApp(0, 0)
	tr := newHeldTransport()
	r := newTestReplica(t, app, nil, nil, func(c *replicaConfig) { c.transport = tr })
	require.NoError(t, assignPrimary(r, 1, "n2", "n3"))

	ch := write(t, r, "a")
	require.Len(t, tr.sends, 2)
	require.Equal(t, replication.Decree(0), r.LastCommittedDecree())

	tr.reply("n2", 1, nil)
	require.Equal(t, replication.Decree(0), r.LastCommittedDecree())

	tr.reply("n3", 1, nil)
	require.Equal(t, replication.Decree(1), wait(t, ch).decree)
	require.Equal(t, decrees(1), app.Applied())
}

func TestReplica_Write_FailedSecondaryIsRemoved(t *testing.T) {
	tr := newHeldTransport()
	r := newTestReplica(t, mock.NewApp(0, 0), nil, nil, func(c *replicaConfig) { c.transport = tr })
	require.NoError(t, assignPrimary(r, 1, "n2", "n3", "n4", "n5"))

	ch := write(t, r, "a")
	tr.reply("n2", 1, nil)
	tr.reply("n3", 1, errors.New("connection refused"))
	tr.reply("n4", 1, errors.New("connection refused"))
	require.Equal(t, replication.Decree(0), r.LastCommittedDecree())
	tr.reply("n5", 1, errors.New("connection refused"))
	require.Equal(t, replication.Decree(1), wait(t, ch).decree)

	pc, _ := r.GroupConfiguration()
	require.Equal(t, []string{"n2"}, pc.Secondaries)
}

func TestReplica_Write_AllSecondariesFail(t *testing.T) {
	tests := []struct {
		name      string
		transport func() Transport
		fail      func(tr Transport)
	}{
		{
			name:      "failing transport",
			transport: func() Transport { return newHeldTransport() },
			fail: func(tr Transport) {
				for _, node := range []string{"n2", "n3", "n4"} {
					tr.(*heldTransport).reply(node, 1, errors.New("connection refused"))
				}
			},
		},
		{
			name:      "no transport",
			transport: func() Transport { return nil },
			fail:      func(Transport) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := mock.NewApp(0, 0)
			tr := tt.transport()
			r := newTestReplica(t, app, nil, nil, func(c *replicaConfig) {
				if tr != nil {
					c.transport = tr
				}
			})
			require.NoError(t, assignPrimary(r, 1, "n2", "n3", "n4"))

			ch := write(t, r, "a")
			tt.fail(tr)
			res := wait(t, ch)
			require.NoError(t, res.err)
			require.Equal(t, replication.Decree(1), res.decree)
			require.Equal(t, decrees(1), app.Applied())

			pc, _ := r.GroupConfiguration()
			require.Empty(t, pc.Secondaries)

			// Later writes no longer wait for the removed secondaries.
			require.Equal(t, replication.Decree(2), wait(t, write(t, r, "b")).decree)
		})
	}
}

func TestReplica_UpdateMembership(t *testing.T) {
	tr := newHeldTransport()
	r := newTestReplica(t, mock.NewApp(0, 0), nil, nil, func(c *replicaConfig) { c.transport = tr })
	require.NoError(t, assignPrimary(r, 1, "n2", "n3"))

	ch := write(t, r, "a")
	tr.reply("n2", 1, nil)

	err := r.UpdateMembership([]string{"n1"})
	require.Equal(t, replication.EInvalid, replication.ErrorCode(err))

	require.NoError(t, r.UpdateMembership([]string{"n2"}))
	require.Equal(t, replication.Decree(1), wait(t, ch).decree)

	pc, _ := r.GroupConfiguration()
	require.Equal(t, []string{"n2"}, pc.Secondaries)
}

func TestReplica_RoleChangeFailsPendingWrites(t *testing.T) {
	ctrl := gomock.NewController(t)
	slog, _ := newHeldLog(ctrl)
	r := newTestReplica(t, mock.NewApp(0, 0), nil, slog)
	require.NoError(t, assignPrimary(r, 1))

	a, b := write(t, r, "a"), write(t, r, "b")
	require.NoError(t, r.UpdateConfiguration(replication.ReplicaConfiguration{
		GPID: testGPID, Ballot: 2, Primary: "n2", Status: replication.StatusSecondary,
	}))

	for _, ch := range []<-chan writeResult{a, b} {
		require.Equal(t, replication.EInvalidState, replication.ErrorCode(wait(t, ch).err))
	}
	_, ok := r.GroupConfiguration()
	require.False(t, ok)
}

func TestReplica_LocalFailure(t *testing.T) {
	app := mock.NewApp(0, 0)
	app.ApplyFn = func(m *replication.Mutation) error {
		if m.Decree == 2 {
			return errors.New("disk full")
		}
		return nil
	}
	r := newTestReplica(t, app, nil, nil)
	require.NoError(t, assignPrimary(r, 1))

	writeAndWait(t, r, "a")
	res := wait(t, write(t, r, "b"))
	require.Equal(t, replication.EInvalidState, replication.ErrorCode(res.err))

	require.Equal(t, replication.StatusError, r.Status())
	require.Equal(t, replication.ELocalFailure, replication.ErrorCode(r.Err()))
	require.Equal(t, decrees(1), app.Applied())
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.localFailures))

	err := r.Write([]byte("c"), nil)
	require.Equal(t, replication.EInvalidState, replication.ErrorCode(err))
}

func TestReplica_SharedLogFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	slog, appends := newHeldLog(ctrl)
	r := newTestReplica(t, mock.NewApp(0, 0), nil, slog)
	require.NoError(t, assignPrimary(r, 1))

	ch := write(t, r, "a")
	(*appends)[0].fn(0, errors.New("no space left on device"))

	require.Equal(t, replication.EInvalidState, replication.ErrorCode(wait(t, ch).err))
	require.Equal(t, replication.StatusError, r.Status())
	require.Equal(t, replication.ELocalFailure, replication.ErrorCode(r.Err()))
}

func TestReplica_Read(t *testing.T) {
	ctrl := gomock.NewController(t)
	slog, appends := newHeldLog(ctrl)
	app := mock.NewApp(0, 0)
	r := newTestReplica(t, app, nil, slog)
	ctx := context.Background()

	_, err := r.Read(ctx, nil, replication.ReadOutdated)
	require.Equal(t, replication.EInvalidState, replication.ErrorCode(err), "inactive")

	require.NoError(t, assignPrimary(r, 1))
	write(t, r, "a")
	(*appends)[0].fn(1, nil)

	got, err := r.Read(ctx, nil, replication.ReadLastUpdate)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)

	// A new primary serves last-update reads only once everything prepared
	// before its election is committed.
	write(t, r, "b")
	require.NoError(t, assignPrimary(r, 2))
	_, err = r.Read(ctx, nil, replication.ReadLastUpdate)
	require.Equal(t, replication.EInvalidState, replication.ErrorCode(err))

	got, err = r.Read(ctx, nil, replication.ReadOutdated)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)

	(*appends)[len(*appends)-1].fn(1, nil)
	got, err = r.Read(ctx, nil, replication.ReadLastUpdate)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got)

	t.Run("secondary", func(t *testing.T) {
		require.NoError(t, r.UpdateConfiguration(replication.ReplicaConfiguration{GPID: testGPID, Ballot: 3, Status: replication.StatusSecondary}))
		_, err := r.Read(ctx, nil, replication.ReadOutdated)
		require.Equal(t, replication.EInvalidState, replication.ErrorCode(err))
	})

	t.Run("potential secondary", func(t *testing.T) {
		require.NoError(t, r.UpdateConfiguration(replication.ReplicaConfiguration{GPID: testGPID, Ballot: 3, Status: replication.StatusPotentialSecondary}))
		_, err := r.Read(ctx, nil, replication.ReadOutdated)
		require.NoError(t, err)
		_, err = r.Read(ctx, nil, replication.ReadLastUpdate)
		require.Equal(t, replication.EInvalidState, replication.ErrorCode(err))
	})
}

func TestReplica_Close(t *testing.T) {
	ctrl := gomock.NewController(t)
	clog := mock.NewMockCommitLog(ctrl)
	clog.EXPECT().Close().Return(nil).Times(1)

	tr := newHeldTransport()
	app := mock.NewApp(0, 0)
	r := newTestReplica(t, app, clog, nil, func(c *replicaConfig) { c.transport = tr })
	require.NoError(t, assignPrimary(r, 1, "n2"))

	ch := write(t, r, "a")
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.Equal(t, replication.EInvalidState, replication.ErrorCode(wait(t, ch).err))
	require.True(t, app.Closed())
	require.Equal(t, replication.StatusInactive, r.Status())
	require.Equal(t, replication.Ballot(1), r.Configuration().Ballot)
	require.Equal(t, replication.Decree(0), r.prepareList.MaxDecree())

	// A late answer from the secondary is dropped.
	tr.reply("n2", 1, nil)
	require.Equal(t, replication.Decree(0), r.LastCommittedDecree())

	err := r.Write([]byte("b"), nil)
	require.Equal(t, replication.EInvalidState, replication.ErrorCode(err))
	err = r.UpdateConfiguration(replication.ReplicaConfiguration{GPID: testGPID, Ballot: 1, Status: replication.StatusSecondary})
	require.Equal(t, replication.EClosed, replication.ErrorCode(err))
}

func TestReplica_CheckTimer_PrimaryCheckpoints(t *testing.T) {
	clk := clock.NewMock()
	app := mock.NewApp(0, 0)
	r := newTestReplica(t, app, nil, nil, func(c *replicaConfig) {
		c.clock = clk
		c.opts.CheckpointInterval = toml.Duration(10 * time.Second)
		c.opts.CheckpointMinDecreeGap = 2
	})
	require.NoError(t, assignPrimary(r, 1))
	r.open()

	writeAndWait(t, r, "a")
	clk.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, replication.Decree(0), r.LastDurableDecree(), "gap below minimum")

	writeAndWait(t, r, "b")
	writeAndWait(t, r, "c")
	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		return r.LastDurableDecree() == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.checkpoints.WithLabelValues("ok")))
}
