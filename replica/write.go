package replica

import (
	"fmt"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/logger"
	"go.uber.org/zap"
)

// Write assigns the next decree to payload and replicates it. done is called
// once the mutation is committed, or with an error if the replica stops being
// primary first. Write fails without calling done if the replica is not
// primary or its prepare list is full.
func (r *Replica) Write(payload []byte, done WriteFunc) error {
	const op = "replica.Write"

	r.mu.Lock()
	defer r.unlock()

	p, ok := r.role.(*primaryRole)
	if r.closed || !ok {
		r.metrics.writes.WithLabelValues("rejected").Inc()
		return invalidState(op, "replica is %s", r.config.Status)
	}

	d := r.prepareList.MaxDecree() + 1
	m := replication.NewMutation(r.gpid, r.config.Ballot, d, payload)
	m.LastCommittedDecree = r.prepareList.LastCommittedDecree()
	if err := r.prepareList.Put(m); err != nil {
		r.metrics.writes.WithLabelValues("rejected").Inc()
		return err
	}

	p.pending[d] = newPendingWrite(p.membership.Secondaries, done)
	r.prepare(p, m)
	r.tryCommitPrimary(p)
	return nil
}

// prepare logs m in the shared prepare log and sends it to every secondary.
// Failed replies may shrink the membership, so the loop ranges over a copy.
func (r *Replica) prepare(p *primaryRole, m *replication.Mutation) {
	secondaries := append([]string(nil), p.membership.Secondaries...)
	for _, node := range secondaries {
		node := node
		ballot, d := m.Ballot, m.Decree
		if r.transport == nil {
			r.onPrepareReply(p, ballot, d, node, fmt.Errorf("no transport to reach %s", node))
			continue
		}
		t := r.transport
		r.later(func() {
			t.Prepare(node, m, func(err error) { r.prepareReplied(ballot, d, node, err) })
		})
	}
	r.logPrepare(m, nil)
}

// logPrepare appends m to the shared prepare log and marks it logged once
// durable. ack is called with the outcome.
func (r *Replica) logPrepare(m *replication.Mutation, ack func(error)) {
	if r.sharedLog == nil {
		m.SetLogged()
		if ack != nil {
			r.later(func() { ack(nil) })
		}
		return
	}
	r.sharedLog.Append(m, r.hash, func(n int, err error) {
		r.prepareLogged(m, err, ack)
	})
}

func (r *Replica) prepareLogged(m *replication.Mutation, err error, ack func(error)) {
	r.mu.Lock()
	defer r.unlock()

	if ack != nil {
		r.later(func() { ack(err) })
	}
	if r.closed {
		return
	}
	if err != nil {
		r.fail(localFailure("replica.prepareLogged", err))
		return
	}
	if r.prepareList.Get(m.Decree) != m {
		// Replaced by a newer ballot or already discarded.
		return
	}
	m.SetLogged()

	switch role := r.role.(type) {
	case *primaryRole:
		r.tryCommitPrimary(role)
	case *secondaryRole:
		r.commit(role.commitTarget)
	case *potentialSecondaryRole:
		r.commit(role.commitTarget)
	}
}

func (r *Replica) prepareReplied(ballot replication.Ballot, d replication.Decree, node string, err error) {
	r.mu.Lock()
	defer r.unlock()

	p, ok := r.role.(*primaryRole)
	if r.closed || !ok || ballot != r.config.Ballot {
		return
	}
	r.onPrepareReply(p, ballot, d, node, err)
	r.tryCommitPrimary(p)
}

// onPrepareReply records a secondary's answer to the prepare of decree d. A
// secondary that fails a prepare is dropped from the membership.
func (r *Replica) onPrepareReply(p *primaryRole, ballot replication.Ballot, d replication.Decree, node string, err error) {
	if err != nil {
		if p.removeSecondary(node) {
			r.logger.Warn("Removing secondary after failed prepare",
				zap.String("node", node),
				logger.Ballot(ballot),
				logger.Decree(d),
				zap.Error(err))
		}
		return
	}
	if pw, ok := p.pending[d]; ok {
		delete(pw.waiting, node)
	}
}

// tryCommitPrimary commits the longest prefix of mutations that are logged
// locally and acknowledged by every secondary.
func (r *Replica) tryCommitPrimary(p *primaryRole) {
	target := r.prepareList.LastCommittedDecree()
	for {
		m := r.prepareList.Get(target + 1)
		if m == nil || !m.IsLogged() {
			break
		}
		if pw, ok := p.pending[target+1]; ok && len(pw.waiting) > 0 {
			break
		}
		target++
	}
	r.commit(target)
}

// commit advances the prepare list to target and reports committed client
// writes. Fatal errors move the replica to the error role.
func (r *Replica) commit(target replication.Decree) {
	before := r.prepareList.LastCommittedDecree()
	if target <= before {
		return
	}

	err := r.prepareList.Commit(target)
	after := r.prepareList.LastCommittedDecree()

	if p, ok := r.role.(*primaryRole); ok {
		for d := before + 1; d <= after; d++ {
			pw, ok := p.pending[d]
			if !ok {
				continue
			}
			delete(p.pending, d)
			if pw.done != nil {
				done, decree := pw.done, d
				r.later(func() { done(decree, nil) })
			}
			r.metrics.writes.WithLabelValues("ok").Inc()
		}
	}

	if err != nil && replication.IsFatal(err) {
		r.fail(err)
	}
}

// OnPrepare accepts a mutation prepared by the primary. The replica must be a
// secondary, or a potential secondary that learns with prepares, at the
// mutation's ballot. ack is called once the mutation is logged.
func (r *Replica) OnPrepare(m *replication.Mutation, ack func(error)) error {
	const op = "replica.OnPrepare"

	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return replication.ErrClosed
	}

	var f *follower
	switch role := r.role.(type) {
	case *secondaryRole:
		f = &role.follower
	case *potentialSecondaryRole:
		if !acceptsPrepares(role.learning) {
			return invalidState(op, "learning status is %s", role.learning)
		}
		f = &role.follower
	default:
		return invalidState(op, "replica is %s", r.config.Status)
	}

	if m.GPID != r.gpid {
		return &replication.Error{Code: replication.EInvalid, Op: op, Msg: fmt.Sprintf("mutation is for %s", m.GPID)}
	}
	if m.Ballot != r.config.Ballot {
		return invalidState(op, "mutation ballot %d does not match replica ballot %d", m.Ballot, r.config.Ballot)
	}

	if m.LastCommittedDecree > f.commitTarget {
		f.commitTarget = m.LastCommittedDecree
	}

	if m.Decree <= r.prepareList.LastCommittedDecree() {
		if ack != nil {
			r.later(func() { ack(nil) })
		}
		r.commit(f.commitTarget)
		return nil
	}

	if err := r.prepareList.Put(m); err != nil {
		return err
	}
	r.logPrepare(m, ack)
	r.commit(f.commitTarget)
	return nil
}

func acceptsPrepares(s replication.LearningStatus) bool {
	return s == replication.LearningWithPrepare || s == replication.LearningSucceeded
}
