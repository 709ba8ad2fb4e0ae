package replica

import (
	"github.com/influxdata/replication"
)

// role is the role-specific state of a replica. Exactly one value is held at
// a time; replacing it drops everything the previous role tracked.
type role interface {
	status() replication.PartitionStatus
}

type inactiveRole struct{}

func (*inactiveRole) status() replication.PartitionStatus { return replication.StatusInactive }

type errorRole struct {
	err error
}

func (*errorRole) status() replication.PartitionStatus { return replication.StatusError }

// primaryRole tracks the group the primary replicates to.
type primaryRole struct {
	membership replication.PartitionConfiguration

	// pending holds client writes and re-prepared mutations that are not
	// committed yet, by decree.
	pending map[replication.Decree]*pendingWrite
}

func newPrimaryRole(membership replication.PartitionConfiguration) *primaryRole {
	return &primaryRole{
		membership: membership,
		pending:    make(map[replication.Decree]*pendingWrite),
	}
}

func (*primaryRole) status() replication.PartitionStatus { return replication.StatusPrimary }

// removeSecondary drops node from the membership and from every pending ack set.
func (p *primaryRole) removeSecondary(node string) bool {
	found := false
	secondaries := make([]string, 0, len(p.membership.Secondaries))
	for _, s := range p.membership.Secondaries {
		if s == node {
			found = true
			continue
		}
		secondaries = append(secondaries, s)
	}
	p.membership.Secondaries = secondaries
	for _, pw := range p.pending {
		delete(pw.waiting, node)
	}
	return found
}

type pendingWrite struct {
	waiting map[string]struct{}
	done    WriteFunc
}

func newPendingWrite(secondaries []string, done WriteFunc) *pendingWrite {
	pw := &pendingWrite{waiting: make(map[string]struct{}, len(secondaries)), done: done}
	for _, s := range secondaries {
		pw.waiting[s] = struct{}{}
	}
	return pw
}

// follower is the state shared by the roles that accept prepares.
type follower struct {
	// commitTarget is the highest committed decree the primary has announced.
	commitTarget replication.Decree
}

type secondaryRole struct {
	follower

	// checkpoint is set while the app checkpoints. Committed mutations are
	// only logged until it completes.
	checkpoint *checkpointTask
}

func (*secondaryRole) status() replication.PartitionStatus { return replication.StatusSecondary }

type potentialSecondaryRole struct {
	follower
	learning replication.LearningStatus
}

func (*potentialSecondaryRole) status() replication.PartitionStatus {
	return replication.StatusPotentialSecondary
}

type checkpointTask struct {
	done chan error
}
