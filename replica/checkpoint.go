package replica

import (
	"errors"
	"fmt"
	"time"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/logger"
	"go.uber.org/zap"
)

var errStopReplay = errors.New("stop replay")

// StartCheckpoint checkpoints a secondary's app in the background. While it
// runs, committed mutations are appended to the commit log without being
// applied; once it completes they are replayed from the commit log. The
// returned channel receives the outcome after the catch-up.
func (r *Replica) StartCheckpoint() (<-chan error, error) {
	r.mu.Lock()
	defer r.unlock()
	return r.startCheckpoint()
}

func (r *Replica) startCheckpoint() (<-chan error, error) {
	const op = "replica.StartCheckpoint"

	s, ok := r.role.(*secondaryRole)
	switch {
	case r.closed:
		return nil, replication.ErrClosed
	case !ok:
		return nil, invalidState(op, "replica is %s", r.config.Status)
	case s.checkpoint != nil:
		return nil, invalidState(op, "checkpoint already in progress")
	case r.commitLog == nil:
		return nil, invalidState(op, "checkpoints of a secondary need a commit log")
	}

	task := &checkpointTask{done: make(chan error, 1)}
	s.checkpoint = task

	app, ctx := r.app, r.ctx
	r.logger.Info("Checkpoint started",
		zap.Int64("app_committed_decree", int64(app.LastCommittedDecree())),
		zap.Int64("app_durable_decree", int64(app.LastDurableDecree())))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		start := time.Now()
		err := app.Checkpoint(ctx)
		r.checkpointCompleted(task, err, time.Since(start))
	}()
	return task.done, nil
}

func (r *Replica) checkpointCompleted(task *checkpointTask, err error, took time.Duration) {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		task.done <- replication.ErrClosed
		return
	}
	if s, ok := r.role.(*secondaryRole); ok && s.checkpoint == task {
		s.checkpoint = nil
	}
	r.metrics.checkpoints.WithLabelValues(result(err)).Inc()

	if err != nil {
		err = localFailure("replica.checkpoint", err)
		r.fail(err)
		task.done <- err
		return
	}

	// The replica may have been moved to the inactive role meanwhile; the app
	// still has to catch up with what was committed.
	if _, ok := r.role.(*errorRole); ok {
		task.done <- invalidState("replica.checkpointCompleted", "replica is in error status")
		return
	}

	from := r.app.LastCommittedDecree()
	if err := r.catchUp(); err != nil {
		r.fail(err)
		task.done <- err
		return
	}

	r.logger.Info("Checkpoint completed",
		zap.Duration("took", took),
		zap.Int64("app_durable_decree", int64(r.app.LastDurableDecree())),
		zap.Int64("caught_up_from", int64(from)),
		zap.Int64("caught_up_to", int64(r.app.LastCommittedDecree())))
	task.done <- nil
}

// checkpointing reports whether a secondary's checkpoint is running.
func (r *Replica) checkpointing() bool {
	s, ok := r.role.(*secondaryRole)
	return ok && s.checkpoint != nil
}

// catchUp applies the committed mutations the app missed, reading them back
// from the commit log in decree order.
func (r *Replica) catchUp() error {
	const op = "replica.catchUp"

	target := r.prepareList.LastCommittedDecree()
	err := r.commitLog.Replay(r.gpid, r.app.LastCommittedDecree(), func(m *replication.Mutation) error {
		if m.Decree > target {
			return errStopReplay
		}
		if next := r.app.LastCommittedDecree() + 1; m.Decree != next {
			return replication.InvariantError(op, fmt.Sprintf("commit log replays decree %d, app expects %d", m.Decree, next))
		}
		if err := r.app.Apply(m); err != nil {
			return localFailure(op, err)
		}
		return nil
	})
	if err != nil && err != errStopReplay {
		return err
	}

	if committed := r.app.LastCommittedDecree(); committed < target {
		return replication.InvariantError(op, fmt.Sprintf("commit log ends at %d, committed decree is %d", committed, target))
	}
	return nil
}

// onCheck runs on the check timer. A secondary far enough ahead of its
// durable decree checkpoints in the background; a primary checkpoints in
// place.
func (r *Replica) onCheck() {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return
	}

	committed := r.prepareList.LastCommittedDecree()
	durable := r.app.LastDurableDecree()
	if int64(committed-durable) < r.opts.CheckpointMinDecreeGap || committed == durable {
		return
	}

	switch role := r.role.(type) {
	case *secondaryRole:
		if role.checkpoint != nil {
			return
		}
		if _, err := r.startCheckpoint(); err != nil {
			r.logger.Warn("Unable to start checkpoint", zap.Error(err))
		}
	case *primaryRole:
		err := r.app.Checkpoint(r.ctx)
		r.metrics.checkpoints.WithLabelValues(result(err)).Inc()
		if err != nil {
			r.fail(localFailure("replica.checkpoint", err))
			return
		}
		r.logger.Debug("Checkpoint completed", logger.Decree(r.app.LastDurableDecree()))
	}
}
