package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/influxdata/replication"
)

// App is an in-memory state machine that records the mutations applied to it.
// The Fn hooks run before the default behavior and abort it on error.
type App struct {
	mu        sync.RWMutex
	applied   []*replication.Mutation
	committed replication.Decree
	durable   replication.Decree
	closed    bool

	ApplyFn      func(m *replication.Mutation) error
	ReadFn       func(ctx context.Context, req []byte) ([]byte, error)
	CheckpointFn func(ctx context.Context) error
	CloseFn      func(clearState bool) error
}

// NewApp returns an app that has committed up to committed and made durable
// up to durable.
func NewApp(committed, durable replication.Decree) *App {
	return &App{committed: committed, durable: durable}
}

// Apply applies m if it is the next decree.
func (a *App) Apply(m *replication.Mutation) error {
	if a.ApplyFn != nil {
		if err := a.ApplyFn(m); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if m.Decree != a.committed+1 {
		return fmt.Errorf("apply decree %d to app committed at %d", m.Decree, a.committed)
	}
	a.applied = append(a.applied, m.Clone())
	a.committed = m.Decree
	return nil
}

func (a *App) LastCommittedDecree() replication.Decree {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.committed
}

func (a *App) LastDurableDecree() replication.Decree {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.durable
}

// Read returns the payload of the last applied mutation unless ReadFn is set.
func (a *App) Read(ctx context.Context, req []byte) ([]byte, error) {
	if a.ReadFn != nil {
		return a.ReadFn(ctx, req)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.applied) == 0 {
		return nil, nil
	}
	return a.applied[len(a.applied)-1].Payload, nil
}

// Checkpoint makes durable what was committed when it was called.
func (a *App) Checkpoint(ctx context.Context) error {
	committed := a.LastCommittedDecree()
	if a.CheckpointFn != nil {
		if err := a.CheckpointFn(ctx); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if committed > a.durable {
		a.durable = committed
	}
	return nil
}

func (a *App) Close(clearState bool) error {
	if a.CloseFn != nil {
		if err := a.CloseFn(clearState); err != nil {
			return err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if clearState {
		a.applied = nil
	}
	return nil
}

// Closed reports whether Close was called.
func (a *App) Closed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closed
}

// Applied returns the decrees applied so far, in order.
func (a *App) Applied() []replication.Decree {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ds := make([]replication.Decree, 0, len(a.applied))
	for _, m := range a.applied {
		ds = append(ds, m.Decree)
	}
	return ds
}

// Payloads returns the payloads applied so far, in order.
func (a *App) Payloads() [][]byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ps := make([][]byte, 0, len(a.applied))
	for _, m := range a.applied {
		ps = append(ps, m.Payload)
	}
	return ps
}
