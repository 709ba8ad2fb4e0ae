package replica

import (
	"context"

	"github.com/influxdata/replication"
)

// Read serves a client read from the app. Only a primary or a potential
// secondary serves reads; ReadLastUpdate additionally requires a primary that
// has committed everything prepared before it became primary.
func (r *Replica) Read(ctx context.Context, req []byte, semantic replication.ReadSemantic) ([]byte, error) {
	const op = "replica.Read"

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, replication.ErrClosed
	}

	switch r.role.(type) {
	case *primaryRole, *potentialSecondaryRole:
	default:
		return nil, invalidState(op, "replica is %s", r.config.Status)
	}

	if semantic == replication.ReadLastUpdate {
		if _, ok := r.role.(*primaryRole); !ok {
			return nil, invalidState(op, "%s reads are only served by a primary", semantic)
		}
		if committed := r.prepareList.LastCommittedDecree(); committed < r.lastPrepareDecreeOnNewPrimary {
			return nil, invalidState(op, "primary has committed %d of %d decrees prepared before its election", committed, r.lastPrepareDecreeOnNewPrimary)
		}
	}

	return r.app.Read(ctx, req)
}
