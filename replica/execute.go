package replica

import (
	"fmt"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/logger"
	"go.uber.org/zap"
)

// executeMutation is the prepare list's commit func. It applies m to the app
// and appends it to the commit log according to the replica's role. A non-nil
// error stops the prepare list at m.
func (r *Replica) executeMutation(m *replication.Mutation) error {
	const op = "replica.executeMutation"

	d := m.Decree
	committed := r.app.LastCommittedDecree()
	apply, write := false, true

	switch role := r.role.(type) {
	case *inactiveRole:
		switch {
		case d == committed+1:
			apply = true
		case d > committed+1:
			r.logger.Warn("Decree is ahead of the app while inactive",
				logger.Decree(d),
				zap.Int64("app_committed_decree", int64(committed)))
			return &replication.Error{
				Code: replication.EDecreeGap,
				Op:   op,
				Msg:  fmt.Sprintf("decree %d is ahead of app committed decree %d", d, committed),
			}
		case r.commitLog != nil && d == r.commitLog.MaxDecree(r.gpid)+1:
			// The commit log lost writes the app already has; rewrite them.
			r.logger.Info("Commit log is incomplete, rewriting", zap.String("mutation", m.Name()))
		default:
			write = false
		}

	case *primaryRole:
		if err := r.checkCompleteness(); err != nil {
			return err
		}
		if d != committed+1 {
			return replication.InvariantError(op, fmt.Sprintf("primary commits decree %d with app at %d", d, committed))
		}
		apply = true

	case *secondaryRole:
		if role.checkpoint != nil {
			// Only logged; applied by the catch-up once the checkpoint completes.
			if r.commitLog == nil {
				return replication.InvariantError(op, "checkpoint in progress without a commit log")
			}
			break
		}
		if err := r.checkCompleteness(); err != nil {
			return err
		}
		if d != committed+1 {
			return replication.InvariantError(op, fmt.Sprintf("secondary commits decree %d with app at %d", d, committed))
		}
		apply = true

	case *potentialSecondaryRole:
		switch {
		case d == committed+1:
			if !acceptsPrepares(role.learning) {
				return replication.InvariantError(op, fmt.Sprintf("decree %d committed while learning status is %s", d, role.learning))
			}
			apply = true
		case d > committed+1:
			return replication.InvariantError(op, fmt.Sprintf("potential secondary commits decree %d with app at %d", d, committed))
		default:
			write = false
		}

	case *errorRole:
		// Nothing is applied or logged until the replica is re-admitted.
		write = false
	}

	if apply {
		if err := r.app.Apply(m); err != nil {
			return localFailure(op, err)
		}
	}

	r.logger.Debug("Mutation committed",
		zap.String("mutation", m.Name()),
		logger.Status(r.config.Status),
		zap.Bool("applied", apply))
	r.metrics.committed.WithLabelValues(r.config.Status.String()).Inc()

	if write && r.commitLog != nil {
		r.appendCommitLog(m)
	}
	return nil
}

func (r *Replica) appendCommitLog(m *replication.Mutation) {
	r.commitLog.Append(m, r.hash, func(n int, err error) {
		if err == nil {
			return
		}
		r.mu.Lock()
		defer r.unlock()
		if !r.closed {
			r.fail(localFailure("replica.appendCommitLog", err))
		}
	})
}

// checkCompleteness runs before a primary or secondary applies a mutation.
// A commit log that lost data is repaired; broken ordering invariants are
// returned as fatal errors.
func (r *Replica) checkCompleteness() error {
	if err := r.checkAndFixCommitLogCompleteness(); err != nil {
		r.logger.Warn("Commit log was incomplete and has been repaired", zap.Error(err))
	}
	return r.checkStateCompleteness()
}

// checkAndFixCommitLogCompleteness verifies that the commit log covers every
// decree above the app's durable decree up to its committed decree. If not,
// the log is reset at the durable decree and the committed mutations still
// held in the prepare list are appended again.
func (r *Replica) checkAndFixCommitLogCompleteness() error {
	if r.commitLog == nil {
		return nil
	}

	durable := r.app.LastDurableDecree()
	committed := r.app.LastCommittedDecree()
	min, max := r.commitLog.MinDecree(r.gpid), r.commitLog.MaxDecree(r.gpid)
	if min <= durable && max >= committed {
		return nil
	}

	r.metrics.repairs.Inc()

	r.commitLog.ResetAsCommitLog(r.gpid, durable)
	for d := durable + 1; d <= committed; d++ {
		m := r.prepareList.Get(d)
		if m == nil {
			r.logger.Warn("Commit log repair stopped at a decree no longer in memory", logger.Decree(d))
			break
		}
		r.appendCommitLog(m)
	}

	return &replication.Error{
		Code: replication.EIncompleteData,
		Op:   "replica.checkAndFixCommitLogCompleteness",
		Msg:  fmt.Sprintf("commit log holds (%d, %d], app is durable at %d and committed at %d", min, max, durable, committed),
	}
}

// checkStateCompleteness verifies prepared >= committed >= durable and that
// the logs still reach back to the durable decree.
func (r *Replica) checkStateCompleteness() error {
	const op = "replica.checkStateCompleteness"

	prepared := r.prepareList.MaxDecree()
	committed := r.prepareList.LastCommittedDecree()
	durable := r.app.LastDurableDecree()

	if prepared < committed {
		return replication.InvariantError(op, fmt.Sprintf("max prepared decree %d is below committed decree %d", prepared, committed))
	}
	if committed < durable {
		return replication.InvariantError(op, fmt.Sprintf("committed decree %d is below durable decree %d", committed, durable))
	}
	if r.sharedLog != nil {
		if min := r.sharedLog.MinDecree(r.gpid); min-replication.Decree(r.opts.StalenessForCommit)+1 > durable {
			return replication.InvariantError(op, fmt.Sprintf("shared log starts at %d, too far past durable decree %d", min, durable))
		}
	}
	if r.commitLog != nil {
		if min := r.commitLog.MinDecree(r.gpid); min > durable {
			return replication.InvariantError(op, fmt.Sprintf("commit log starts at %d, past durable decree %d", min, durable))
		}
	}
	return nil
}
