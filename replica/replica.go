// Package replica implements the per-partition replication engine: the role
// state machine of a replica, its commit pipeline, and the stub that hosts the
// replicas of a node.
package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/commitlog"
	"github.com/influxdata/replication/logger"
	"github.com/influxdata/replication/preparelist"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WriteFunc reports the outcome of a client write: the decree it committed at
// or the error that stopped it.
type WriteFunc func(d replication.Decree, err error)

// Replica is one partition's copy of the replicated state.
//
// All state below mu is guarded by it. Callbacks into other components
// (client write results, prepare acks, transport sends) are queued under mu
// and run once it is released.
type Replica struct {
	mu sync.RWMutex

	gpid replication.GPID
	dir  string
	node string
	opts Options

	config replication.ReplicaConfiguration
	role   role

	prepareList *preparelist.List

	// lastPrepareDecreeOnNewPrimary is the highest decree prepared when this
	// replica last became primary. Reads that must observe every update wait
	// until it is committed.
	lastPrepareDecreeOnNewPrimary replication.Decree

	app       App
	commitLog CommitLog
	sharedLog CommitLog
	transport Transport
	hash      uint64

	ctx    context.Context
	cancel context.CancelFunc
	timer  *checkTimer
	wg     sync.WaitGroup
	closed bool

	notify []func()

	metrics *Metrics
	logger  *zap.Logger
}

type replicaConfig struct {
	gpid      replication.GPID
	dir       string
	opts      Options
	app       App
	commitLog CommitLog
	sharedLog CommitLog
	transport Transport
	clock     clock.Clock
	metrics   *Metrics
	logger    *zap.Logger
}

func newReplica(c replicaConfig) *Replica {
	if c.app == nil {
		panic("replica: nil app")
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replica{
		gpid:      c.gpid,
		dir:       c.dir,
		node:      c.opts.Node,
		opts:      c.opts,
		config:    replication.ReplicaConfiguration{GPID: c.gpid, Status: replication.StatusInactive},
		role:      &inactiveRole{},
		app:       c.app,
		commitLog: c.commitLog,
		sharedLog: c.sharedLog,
		transport: c.transport,
		hash:      commitlog.PartitionHash(c.gpid),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   c.metrics,
		logger:    c.logger.With(logger.Partition(c.gpid)),
	}
	r.prepareList = preparelist.New(c.app.LastCommittedDecree(), c.opts.MaxMutationCountInPrepareList, r.executeMutation)
	r.timer = newCheckTimer(c.clock, r.opts.CheckpointInterval, r.onCheck)
	r.metrics.setStatus(r.gpid, replication.StatusInactive)
	return r
}

// GPID returns the partition the replica serves.
func (r *Replica) GPID() replication.GPID { return r.gpid }

// Dir returns the directory holding the replica's app and commit log.
func (r *Replica) Dir() string { return r.dir }

// Status returns the replica's current role.
func (r *Replica) Status() replication.PartitionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Status
}

// Configuration returns the replica's view of its own role.
func (r *Replica) Configuration() replication.ReplicaConfiguration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// LastCommittedDecree returns the highest decree committed through the
// prepare list.
func (r *Replica) LastCommittedDecree() replication.Decree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prepareList.LastCommittedDecree()
}

// LastDurableDecree returns the app's durable decree.
func (r *Replica) LastDurableDecree() replication.Decree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.app == nil {
		return replication.InvalidDecree
	}
	return r.app.LastDurableDecree()
}

// LastPreparedDecree returns how far the prepare list is logged without gaps
// or ballot regressions.
func (r *Replica) LastPreparedDecree() replication.Decree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prepareList.LastPreparedDecree()
}

// GroupConfiguration returns the membership of the partition. It is only
// known to a primary.
func (r *Replica) GroupConfiguration() (replication.PartitionConfiguration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.role.(*primaryRole)
	if !ok {
		return replication.PartitionConfiguration{}, false
	}
	pc := p.membership.Clone()
	pc.LastCommittedDecree = r.prepareList.LastCommittedDecree()
	return pc, true
}

// later queues fn to run after mu is released.
func (r *Replica) later(fn func()) {
	r.notify = append(r.notify, fn)
}

// unlock releases mu and runs the queued callbacks.
func (r *Replica) unlock() {
	notify := r.notify
	r.notify = nil
	r.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

// setRole replaces the role. Client writes pending on a primary are failed.
func (r *Replica) setRole(next role) {
	prev := r.role
	if p, ok := prev.(*primaryRole); ok {
		for d, pw := range p.pending {
			if pw.done == nil {
				continue
			}
			done, decree := pw.done, d
			r.later(func() { done(decree, replication.ErrInvalidState) })
		}
	}

	r.role = next
	r.config.Status = next.status()
	r.metrics.setStatus(r.gpid, r.config.Status)

	if prev.status() != next.status() {
		r.logger.Info("Replica status changed",
			zap.Stringer("from", prev.status()),
			logger.Status(next.status()),
			logger.Ballot(r.config.Ballot))
	}
}

// fail moves the replica to the error role.
func (r *Replica) fail(err error) {
	if _, ok := r.role.(*errorRole); ok {
		return
	}
	r.logger.Error("Replica failed", zap.Error(err), logger.Status(r.config.Status))
	r.metrics.localFailures.Inc()
	r.setRole(&errorRole{err: err})
}

// Err returns the error that moved the replica to the error role, if any.
func (r *Replica) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.role.(*errorRole); ok {
		return e.err
	}
	return nil
}

func localFailure(op string, err error) error {
	return &replication.Error{Code: replication.ELocalFailure, Op: op, Err: err}
}

func invalidState(op, format string, args ...interface{}) error {
	return &replication.Error{Code: replication.EInvalidState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// UpdateConfiguration moves the replica to the Inactive, Secondary,
// PotentialSecondary or Error role. The ballot may not decrease and a replica
// in the error role may only be re-admitted as inactive. Use AssignPrimary to
// become primary.
func (r *Replica) UpdateConfiguration(cfg replication.ReplicaConfiguration) error {
	const op = "replica.UpdateConfiguration"

	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return replication.ErrClosed
	}
	if cfg.Ballot < r.config.Ballot {
		return &replication.Error{
			Code: replication.EStaleBallot,
			Op:   op,
			Msg:  fmt.Sprintf("ballot %d is older than %d", cfg.Ballot, r.config.Ballot),
		}
	}
	if _, ok := r.role.(*errorRole); ok && cfg.Status != replication.StatusInactive && cfg.Status != replication.StatusError {
		return invalidState(op, "replica in error status can only become inactive")
	}
	if r.checkpointing() && cfg.Status != replication.StatusInactive && cfg.Status != replication.StatusError {
		return invalidState(op, "checkpoint in progress")
	}

	var next role
	switch cfg.Status {
	case replication.StatusInactive:
		next = &inactiveRole{}
	case replication.StatusError:
		next = &errorRole{err: invalidState(op, "moved to error status by configuration")}
	case replication.StatusSecondary:
		next = &secondaryRole{follower: follower{commitTarget: r.prepareList.LastCommittedDecree()}}
	case replication.StatusPotentialSecondary:
		next = &potentialSecondaryRole{
			follower: follower{commitTarget: r.prepareList.LastCommittedDecree()},
			learning: replication.LearningInvalid,
		}
	case replication.StatusPrimary:
		return &replication.Error{Code: replication.EInvalid, Op: op, Msg: "use AssignPrimary to become primary"}
	default:
		return &replication.Error{Code: replication.EInvalid, Op: op, Msg: fmt.Sprintf("unknown status %v", cfg.Status)}
	}

	r.config.Ballot = cfg.Ballot
	r.config.Primary = cfg.Primary
	r.setRole(next)
	return nil
}

// AssignPrimary makes the replica the primary of pc. The ballot must be newer
// than the current one if the replica already is primary. The uncommitted
// tail of the prepare list is prepared again under the new ballot.
func (r *Replica) AssignPrimary(pc replication.PartitionConfiguration) error {
	const op = "replica.AssignPrimary"

	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return replication.ErrClosed
	}
	switch {
	case pc.GPID != r.gpid:
		return &replication.Error{Code: replication.EInvalid, Op: op, Msg: fmt.Sprintf("configuration is for %s", pc.GPID)}
	case pc.Primary != r.node:
		return &replication.Error{Code: replication.EInvalid, Op: op, Msg: fmt.Sprintf("primary is %q, this node is %q", pc.Primary, r.node)}
	case pc.HasSecondary(r.node):
		return &replication.Error{Code: replication.EInvalid, Op: op, Msg: "primary listed as its own secondary"}
	}
	if _, ok := r.role.(*errorRole); ok {
		return invalidState(op, "replica is in error status")
	}
	if r.checkpointing() {
		return invalidState(op, "checkpoint in progress")
	}
	if _, ok := r.role.(*primaryRole); (ok && pc.Ballot <= r.config.Ballot) || pc.Ballot < r.config.Ballot {
		return &replication.Error{
			Code: replication.EStaleBallot,
			Op:   op,
			Msg:  fmt.Sprintf("ballot %d is not newer than %d", pc.Ballot, r.config.Ballot),
		}
	}

	r.config.Ballot = pc.Ballot
	r.config.Primary = pc.Primary

	membership := pc.Clone()
	p := newPrimaryRole(membership)
	r.setRole(p)

	r.lastPrepareDecreeOnNewPrimary = r.prepareList.MaxDecree()
	committed := r.prepareList.LastCommittedDecree()
	r.logger.Info("Replica became primary",
		logger.Ballot(pc.Ballot),
		zap.Strings("secondaries", membership.Secondaries),
		zap.Int64("last_committed_decree", int64(committed)),
		zap.Int64("last_prepare_decree_on_new_primary", int64(r.lastPrepareDecreeOnNewPrimary)))

	for d := committed + 1; d <= r.lastPrepareDecreeOnNewPrimary; d++ {
		var payload []byte
		if old := r.prepareList.Get(d); old != nil {
			payload = old.Payload
		}
		m := replication.NewMutation(r.gpid, pc.Ballot, d, payload)
		m.LastCommittedDecree = committed
		if err := r.prepareList.Put(m); err != nil {
			r.fail(err)
			return err
		}
		p.pending[d] = newPendingWrite(membership.Secondaries, nil)
		r.prepare(p, m)
	}
	r.tryCommitPrimary(p)
	return nil
}

// UpdateMembership replaces the secondaries of a primary. Writes pending on a
// removed secondary no longer wait for it.
func (r *Replica) UpdateMembership(secondaries []string) error {
	const op = "replica.UpdateMembership"

	r.mu.Lock()
	defer r.unlock()

	p, ok := r.role.(*primaryRole)
	if r.closed || !ok {
		return invalidState(op, "replica is %s", r.config.Status)
	}

	keep := make(map[string]struct{}, len(secondaries))
	for _, s := range secondaries {
		if s == r.node {
			return &replication.Error{Code: replication.EInvalid, Op: op, Msg: "primary listed as its own secondary"}
		}
		keep[s] = struct{}{}
	}
	for _, s := range p.membership.Secondaries {
		if _, ok := keep[s]; !ok {
			p.removeSecondary(s)
		}
	}
	p.membership.Secondaries = append([]string(nil), secondaries...)
	r.logger.Info("Primary membership updated", zap.Strings("secondaries", secondaries))
	r.tryCommitPrimary(p)
	return nil
}

// UpdateLearningStatus advances a potential secondary's learning. When it
// reaches LearningWithPrepare the prepare list is re-anchored at the app's
// committed decree so that prepares above it can be accepted.
func (r *Replica) UpdateLearningStatus(status replication.LearningStatus) error {
	const op = "replica.UpdateLearningStatus"

	r.mu.Lock()
	defer r.unlock()

	p, ok := r.role.(*potentialSecondaryRole)
	if r.closed || !ok {
		return invalidState(op, "replica is %s", r.config.Status)
	}

	prev := p.learning
	p.learning = status
	if status == replication.LearningWithPrepare && prev < replication.LearningWithPrepare {
		committed := r.app.LastCommittedDecree()
		if r.prepareList.LastCommittedDecree() != committed {
			r.prepareList.Reset(committed)
		}
		if p.commitTarget < committed {
			p.commitTarget = committed
		}
	}
	r.logger.Info("Learning status changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", status),
		zap.Int64("app_committed_decree", int64(r.app.LastCommittedDecree())))
	return nil
}

// open starts the periodic check timer.
func (r *Replica) open() {
	r.timer.Start()
}

// Close stops the check timer, moves the replica to the inactive role
// without changing its ballot, drops uncommitted mutations and closes the
// commit log and the app. Close is safe to call more than once.
func (r *Replica) Close() error {
	r.timer.Stop()

	r.mu.Lock()
	if r.closed {
		r.unlock()
		return nil
	}
	r.closed = true

	switch r.role.(type) {
	case *inactiveRole, *errorRole:
	default:
		r.setRole(&inactiveRole{})
	}

	if dropped := r.prepareList.DiscardUncommitted(); len(dropped) > 0 {
		r.logger.Info("Discarded uncommitted mutations",
			zap.Int("count", len(dropped)),
			zap.Int64("from", int64(dropped[0].Decree)))
	}

	clog, app := r.commitLog, r.app
	r.commitLog, r.app, r.sharedLog = nil, nil, nil
	r.cancel()
	r.metrics.forget(r.gpid)
	r.unlock()

	// Background checkpoints use the app until they return.
	r.wg.Wait()

	var err error
	if clog != nil {
		err = multierr.Append(err, clog.Close())
	}
	if app != nil {
		err = multierr.Append(err, app.Close(false))
	}
	r.logger.Info("Replica closed")
	return err
}
