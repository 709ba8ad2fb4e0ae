package replica

import (
	"fmt"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/preparelist"
	"go.uber.org/zap"
)

// load recovers the replica after its app and logs were opened:
//
//  1. the app catches up from the private commit log,
//  2. the prepare list is anchored at min(app committed, commit log max),
//  3. the shared prepare log of the partition is replayed into the prepare
//     list as logged mutations,
//  4. everything the primary had committed is committed in the inactive
//     role, which also rewrites commit log records lost in a crash.
func (r *Replica) load() error {
	const op = "replica.load"

	r.mu.Lock()
	defer r.unlock()

	if r.commitLog != nil {
		err := r.commitLog.Replay(r.gpid, r.app.LastCommittedDecree(), func(m *replication.Mutation) error {
			if m.Decree != r.app.LastCommittedDecree()+1 {
				return errStopReplay
			}
			if err := r.app.Apply(m); err != nil {
				return localFailure(op, err)
			}
			return nil
		})
		if err != nil && err != errStopReplay {
			return err
		}
	}

	committed := r.app.LastCommittedDecree()
	start := committed
	if r.commitLog != nil {
		if max := r.commitLog.MaxDecree(r.gpid); max < start {
			start = max
		}
	}
	if start < r.app.LastDurableDecree() {
		// Anything at or below the durable decree can not be re-committed.
		start = r.app.LastDurableDecree()
	}
	r.prepareList = preparelist.New(start, r.opts.MaxMutationCountInPrepareList, r.executeMutation)

	target := committed
	var replayed int
	if r.sharedLog != nil {
		err := r.sharedLog.Replay(r.gpid, start, func(m *replication.Mutation) error {
			m.SetLogged()
			if m.LastCommittedDecree > target {
				target = m.LastCommittedDecree
			}
			if m.Ballot > r.config.Ballot {
				r.config.Ballot = m.Ballot
			}

			err := r.prepareList.Put(m)
			if replication.ErrorCode(err) == replication.ECapacityExceeded {
				// Make room by committing what is already known to be committed.
				r.commit(target)
				err = r.prepareList.Put(m)
			}
			switch replication.ErrorCode(err) {
			case "":
				replayed++
			case replication.EDecreeTooOld, replication.EStaleBallot:
			default:
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	r.commit(target)
	if e, ok := r.role.(*errorRole); ok {
		return e.err
	}

	if lc := r.prepareList.LastCommittedDecree(); lc < committed {
		// The shared log no longer holds what the commit log lost; the
		// completeness check repairs the commit log on the next commit.
		r.logger.Warn("Prepare list anchored below the app",
			zap.Int64("prepare_list_committed_decree", int64(lc)),
			zap.Int64("app_committed_decree", int64(committed)))
		r.prepareList.Reset(committed)
	}

	if got, want := r.app.LastCommittedDecree(), r.prepareList.LastCommittedDecree(); got != want {
		return replication.InvariantError(op, fmt.Sprintf("app committed decree %d does not match prepare list %d after recovery", got, want))
	}

	r.logger.Info("Replica loaded",
		zap.Int64("app_committed_decree", int64(r.app.LastCommittedDecree())),
		zap.Int64("app_durable_decree", int64(r.app.LastDurableDecree())),
		zap.Int64("max_prepared_decree", int64(r.prepareList.MaxDecree())),
		zap.Int("replayed_prepares", replayed),
		zap.Int64("ballot", int64(r.config.Ballot)))
	return nil
}
