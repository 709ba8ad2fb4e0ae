package replica

import (
	"fmt"

	"github.com/influxdata/replication"
)

// Info is a point-in-time report of a replica for listing and monitoring.
type Info struct {
	GPID                replication.GPID            `json:"gpid"`
	Status              replication.PartitionStatus `json:"-"`
	StatusName          string                      `json:"status"`
	Ballot              replication.Ballot          `json:"ballot"`
	Primary             string                      `json:"primary,omitempty"`
	Secondaries         []string                    `json:"secondaries,omitempty"`
	LastCommittedDecree replication.Decree          `json:"lastCommittedDecree"`
	LastDurableDecree   replication.Decree          `json:"lastDurableDecree"`
	LastPreparedDecree  replication.Decree          `json:"lastPreparedDecree"`
	MaxPreparedDecree   replication.Decree          `json:"maxPreparedDecree"`
}

// Info returns the replica's report.
func (r *Replica) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := Info{
		GPID:                r.gpid,
		Status:              r.config.Status,
		StatusName:          r.config.Status.String(),
		Ballot:              r.config.Ballot,
		Primary:             r.config.Primary,
		LastCommittedDecree: r.prepareList.LastCommittedDecree(),
		LastDurableDecree:   replication.InvalidDecree,
		LastPreparedDecree:  r.prepareList.LastPreparedDecree(),
		MaxPreparedDecree:   r.prepareList.MaxDecree(),
	}
	if r.app != nil {
		info.LastDurableDecree = r.app.LastDurableDecree()
	}
	if p, ok := r.role.(*primaryRole); ok {
		info.Secondaries = append([]string(nil), p.membership.Secondaries...)
	}
	return info
}

// Diagnosis reports whether a replica's logs are consistent with its app.
// Producing it changes nothing.
type Diagnosis struct {
	GPID   replication.GPID            `json:"gpid"`
	Status replication.PartitionStatus `json:"-"`

	AppCommittedDecree replication.Decree `json:"appCommittedDecree"`
	AppDurableDecree   replication.Decree `json:"appDurableDecree"`

	CommitLogMinDecree replication.Decree `json:"commitLogMinDecree"`
	CommitLogMaxDecree replication.Decree `json:"commitLogMaxDecree"`
	SharedLogMinDecree replication.Decree `json:"sharedLogMinDecree"`
	SharedLogMaxDecree replication.Decree `json:"sharedLogMaxDecree"`

	Problems []string `json:"problems,omitempty"`
}

// Complete reports whether no problem was found.
func (d Diagnosis) Complete() bool { return len(d.Problems) == 0 }

// Diagnose checks the replica's logs against its app without repairing them.
func (r *Replica) Diagnose() Diagnosis {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := Diagnosis{
		GPID:               r.gpid,
		Status:             r.config.Status,
		AppCommittedDecree: replication.InvalidDecree,
		AppDurableDecree:   replication.InvalidDecree,
		CommitLogMinDecree: replication.InvalidDecree,
		CommitLogMaxDecree: replication.InvalidDecree,
		SharedLogMinDecree: replication.InvalidDecree,
		SharedLogMaxDecree: replication.InvalidDecree,
	}
	if r.closed || r.app == nil {
		d.Problems = append(d.Problems, "replica is closed")
		return d
	}

	d.AppCommittedDecree = r.app.LastCommittedDecree()
	d.AppDurableDecree = r.app.LastDurableDecree()

	if r.commitLog != nil {
		d.CommitLogMinDecree = r.commitLog.MinDecree(r.gpid)
		d.CommitLogMaxDecree = r.commitLog.MaxDecree(r.gpid)
		if d.CommitLogMinDecree > d.AppDurableDecree {
			d.Problems = append(d.Problems, fmt.Sprintf("commit log min decree %d is past durable decree %d", d.CommitLogMinDecree, d.AppDurableDecree))
		}
		if d.CommitLogMaxDecree < d.AppCommittedDecree {
			d.Problems = append(d.Problems, fmt.Sprintf("commit log max decree %d is below committed decree %d", d.CommitLogMaxDecree, d.AppCommittedDecree))
		}
	}
	if r.sharedLog != nil {
		d.SharedLogMinDecree = r.sharedLog.MinDecree(r.gpid)
		d.SharedLogMaxDecree = r.sharedLog.MaxDecree(r.gpid)
		if d.SharedLogMinDecree-replication.Decree(r.opts.StalenessForCommit)+1 > d.AppDurableDecree {
			d.Problems = append(d.Problems, fmt.Sprintf("shared log min decree %d is too far past durable decree %d", d.SharedLogMinDecree, d.AppDurableDecree))
		}
	}
	if committed := r.prepareList.LastCommittedDecree(); committed < d.AppDurableDecree {
		d.Problems = append(d.Problems, fmt.Sprintf("committed decree %d is below durable decree %d", committed, d.AppDurableDecree))
	}
	return d
}

// garbageCollect drops commit log segments the app no longer needs.
func (r *Replica) garbageCollect() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.commitLog == nil {
		return 0, nil
	}
	return r.commitLog.GarbageCollect(map[replication.GPID]replication.Decree{r.gpid: r.app.LastDurableDecree()})
}
