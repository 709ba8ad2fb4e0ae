// Package preparelist implements the sliding window of mutations that sits
// between a partition's last committed decree and its highest prepared decree.
package preparelist

import (
	"fmt"

	"github.com/influxdata/replication"
)

// CommitFunc is invoked once per committed mutation, in decree order. If it
// returns an error the list stops advancing and the decree stays uncommitted.
type CommitFunc func(m *replication.Mutation) error

// List holds the mutations of one partition indexed by decree.
//
// Entries at or below the last committed decree are retained until the
// window needs their room, so that a replica can rebuild a damaged commit log
// from memory. The list is not safe for concurrent use; the owning replica
// serializes access.
type List struct {
	items    map[replication.Decree]*replication.Mutation
	capacity int

	// minDecree..maxDecree is the span of decrees held. When the list is
	// empty minDecree is lastCommitted+1 and maxDecree is lastCommitted.
	minDecree     replication.Decree
	maxDecree     replication.Decree
	lastCommitted replication.Decree

	commit CommitFunc
}

// New returns a list whose first committable decree is start+1.
func New(start replication.Decree, capacity int, fn CommitFunc) *List {
	if capacity <= 0 {
		panic(fmt.Sprintf("preparelist: non-positive capacity %d", capacity))
	}
	return &List{
		items:         make(map[replication.Decree]*replication.Mutation, capacity),
		capacity:      capacity,
		minDecree:     start + 1,
		maxDecree:     start,
		lastCommitted: start,
		commit:        fn,
	}
}

// Capacity returns the maximum number of decrees the window spans.
func (l *List) Capacity() int { return l.capacity }

// Count returns the number of mutations held.
func (l *List) Count() int { return len(l.items) }

// LastCommittedDecree returns the highest decree passed to the commit func.
func (l *List) LastCommittedDecree() replication.Decree { return l.lastCommitted }

// MinDecree returns the lowest decree the window spans.
func (l *List) MinDecree() replication.Decree { return l.minDecree }

// MaxDecree returns the highest decree held, or the last committed decree if
// nothing above it has been prepared.
func (l *List) MaxDecree() replication.Decree { return l.maxDecree }

// Get returns the mutation at decree d, or nil.
func (l *List) Get(d replication.Decree) *replication.Mutation { return l.items[d] }

// Put inserts m at m.Decree. An existing entry at the same decree is replaced
// only by a mutation with an equal or newer ballot.
func (l *List) Put(m *replication.Mutation) error {
	d := m.Decree
	if d <= l.lastCommitted {
		return &replication.Error{
			Code: replication.EDecreeTooOld,
			Op:   "preparelist.Put",
			Msg:  fmt.Sprintf("decree %d is not newer than last committed decree %d", d, l.lastCommitted),
		}
	}

	if d-l.lastCommitted > replication.Decree(l.capacity) {
		return &replication.Error{
			Code: replication.ECapacityExceeded,
			Op:   "preparelist.Put",
			Msg:  fmt.Sprintf("decree %d is beyond the window (last committed %d, capacity %d)", d, l.lastCommitted, l.capacity),
		}
	}

	if old, ok := l.items[d]; ok && old.Ballot > m.Ballot {
		return &replication.Error{
			Code: replication.EStaleBallot,
			Op:   "preparelist.Put",
			Msg:  fmt.Sprintf("decree %d already prepared with ballot %d, got %d", d, old.Ballot, m.Ballot),
		}
	}

	l.items[d] = m
	if d > l.maxDecree {
		l.maxDecree = d
	}
	l.evict()
	return nil
}

// Commit advances the last committed decree towards d. It walks forward from
// the last committed decree and stops at the first missing entry, the first
// entry that is not logged, or the first entry whose ballot is lower than the
// previously committed one.
func (l *List) Commit(d replication.Decree) error {
	var lastBallot replication.Ballot
	if prev, ok := l.items[l.lastCommitted]; ok {
		lastBallot = prev.Ballot
	}

	for l.lastCommitted < d {
		m, ok := l.items[l.lastCommitted+1]
		if !ok || !m.IsLogged() || m.Ballot < lastBallot {
			return nil
		}

		if l.commit != nil {
			if err := l.commit(m); err != nil {
				return err
			}
		}
		l.lastCommitted++
		lastBallot = m.Ballot
	}
	l.evict()
	return nil
}

// LastPreparedDecree returns how far the list is logged without gaps or
// ballot regressions past the last committed decree. Nothing is committed.
func (l *List) LastPreparedDecree() replication.Decree {
	var lastBallot replication.Ballot
	d := l.lastCommitted
	for {
		m, ok := l.items[d+1]
		if !ok || m.Ballot < lastBallot || !m.IsLogged() {
			return d
		}
		d++
		lastBallot = m.Ballot
	}
}

// Uncommitted returns the mutations above the last committed decree in
// decree order, skipping gaps.
func (l *List) Uncommitted() []*replication.Mutation {
	var a []*replication.Mutation
	for d := l.lastCommitted + 1; d <= l.maxDecree; d++ {
		if m, ok := l.items[d]; ok {
			a = append(a, m)
		}
	}
	return a
}

// DiscardUncommitted drops every mutation above the last committed decree
// and returns them in decree order.
func (l *List) DiscardUncommitted() []*replication.Mutation {
	a := l.Uncommitted()
	for _, m := range a {
		delete(l.items, m.Decree)
	}
	l.maxDecree = l.lastCommitted
	return a
}

// Reset moves the last committed decree to d without invoking the commit
// func. Entries at or below d are dropped; entries above d are kept.
// It is used when the state machine has been brought to d by other means.
func (l *List) Reset(d replication.Decree) {
	for k := range l.items {
		if k <= d {
			delete(l.items, k)
		}
	}
	l.lastCommitted = d
	l.minDecree = d + 1
	if l.maxDecree < d {
		l.maxDecree = d
	}
}

// evict drops committed entries from the front of the window until it spans
// at most capacity decrees. Committed entries are always logged.
func (l *List) evict() {
	for l.maxDecree-l.minDecree+1 > replication.Decree(l.capacity) && l.minDecree <= l.lastCommitted {
		delete(l.items, l.minDecree)
		l.minDecree++
	}
}
