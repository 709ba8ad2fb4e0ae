package replica

import (
	"fmt"
	"sync"

	"github.com/influxdata/replication"
)

// Transport delivers prepares from a primary to its secondaries.
type Transport interface {
	// Prepare sends m to the replica of m.GPID on node. done is called once
	// with the secondary's answer. Prepare must not call done synchronously.
	Prepare(node string, m *replication.Mutation, done func(error))
}

// LocalTransport delivers prepares between stubs of the same process.
type LocalTransport struct {
	mu    sync.RWMutex
	stubs map[string]*Stub
}

// NewLocalTransport returns a transport with no stubs registered.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{stubs: make(map[string]*Stub)}
}

// Register makes s reachable as node.
func (t *LocalTransport) Register(node string, s *Stub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stubs[node] = s
}

// Unregister makes node unreachable.
func (t *LocalTransport) Unregister(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stubs, node)
}

// Prepare hands a copy of m to the replica on node from a new goroutine, as
// if it had crossed the network.
func (t *LocalTransport) Prepare(node string, m *replication.Mutation, done func(error)) {
	t.mu.RLock()
	s := t.stubs[node]
	t.mu.RUnlock()

	b, err := m.MarshalBinary()
	go func() {
		if err != nil {
			done(err)
			return
		}
		if s == nil {
			done(fmt.Errorf("node %q is unreachable", node))
			return
		}
		r := s.Replica(m.GPID)
		if r == nil {
			done(&replication.Error{Code: replication.EInvalidState, Msg: fmt.Sprintf("no replica of %s on %q", m.GPID, node)})
			return
		}

		var c replication.Mutation
		if err := c.UnmarshalBinary(b); err != nil {
			done(err)
			return
		}
		if err := r.OnPrepare(&c, done); err != nil {
			done(err)
		}
	}()
}
