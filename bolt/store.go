// Package bolt implements a key-value state machine whose checkpoints are
// stored in a bbolt file.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/replica"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// AppType is the app type the store is registered under.
const AppType = "kv"

// DefaultFileName is the bbolt file inside a replica directory.
const DefaultFileName = "kv.db"

var (
	dataBucket = []byte("data")
	metaBucket = []byte("meta")

	committedDecreeKey = []byte("committed_decree")
)

var _ replica.App = (*Store)(nil)

// Store is a key-value app. Applied commands live in memory; Checkpoint
// writes them to the bbolt file together with the decree they reach, which
// becomes the durable decree.
type Store struct {
	path string

	mu        sync.RWMutex
	db        *bolt.DB
	data      map[string][]byte
	dirty     map[string]struct{}
	committed replication.Decree
	durable   replication.Decree

	// checkpointMu serializes checkpoints.
	checkpointMu sync.Mutex

	// onClose runs once the file is closed.
	onClose func()

	logger *zap.Logger
}

// NewStore returns a store backed by the file at path. It must be opened
// before use.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		data:   make(map[string][]byte),
		dirty:  make(map[string]struct{}),
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the store.
func (s *Store) WithLogger(l *zap.Logger) {
	s.logger = l.With(zap.String("service", "kv"))
}

// NewAppFactory returns the factory a replica stub uses to open stores.
// Opened stores are reported by c until they are closed; c may be nil.
func NewAppFactory(log *zap.Logger, c *Collector) replica.AppFactory {
	return func(dir string) (replica.App, error) {
		s := NewStore(filepath.Join(dir, DefaultFileName))
		s.WithLogger(log)
		if err := s.Open(context.Background()); err != nil {
			return nil, err
		}
		if c != nil {
			name := filepath.Base(dir)
			c.add(name, s)
			s.onClose = func() { c.remove(name, s) }
		}
		return s, nil
	}
}

// Open creates the bbolt file if it doesn't exist and loads its contents.
func (s *Store) Open(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.path, err)
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file %v", err)
	}

	var committed replication.Decree
	data := make(map[string][]byte)
	if err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(dataBucket)
		if err != nil {
			return err
		}
		m, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := m.Get(committedDecreeKey); len(v) == 8 {
			committed = replication.Decree(binary.BigEndian.Uint64(v))
		}
		return b.ForEach(func(k, v []byte) error {
			data[string(k)] = append([]byte{}, v...)
			return nil
		})
	}); err != nil {
		_ = db.Close()
		return err
	}

	s.mu.Lock()
	s.db = db
	s.data = data
	s.committed, s.durable = committed, committed
	s.mu.Unlock()

	s.logger.Info("Resources opened",
		zap.String("path", s.path),
		zap.Int("keys", len(data)),
		zap.Int64("durable_decree", int64(committed)))
	return nil
}

// Apply applies the command carried by m. A malformed command is skipped so
// that every replica still advances to the same decree.
func (s *Store) Apply(m *replication.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return replication.ErrClosed
	}
	if m.Decree != s.committed+1 {
		return fmt.Errorf("apply decree %d to store committed at %d", m.Decree, s.committed)
	}
	s.committed = m.Decree

	if len(m.Payload) == 0 {
		return nil
	}
	c, err := DecodeCommand(m.Payload)
	if err != nil {
		s.logger.Warn("Skipping malformed command", zap.String("mutation", m.Name()), zap.Error(err))
		return nil
	}

	k := string(c.Key)
	switch c.Op {
	case OpSet:
		s.data[k] = append([]byte{}, c.Value...)
	case OpDelete:
		delete(s.data, k)
	}
	s.dirty[k] = struct{}{}
	return nil
}

func (s *Store) LastCommittedDecree() replication.Decree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

func (s *Store) LastDurableDecree() replication.Decree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durable
}

// Read returns the value of the key in req.
func (s *Store) Read(ctx context.Context, req []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, replication.ErrClosed
	}
	v, ok := s.data[string(req)]
	if !ok {
		return nil, &replication.Error{Code: replication.ENotFound, Op: "bolt.Read", Msg: fmt.Sprintf("key %q not found", req)}
	}
	return append([]byte(nil), v...), nil
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Checkpoint writes the keys changed since the last checkpoint and the
// committed decree in one transaction.
func (s *Store) Checkpoint(ctx context.Context) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	s.mu.Lock()
	db := s.db
	if db == nil {
		s.mu.Unlock()
		return replication.ErrClosed
	}
	decree := s.committed
	changes := make(map[string][]byte, len(s.dirty))
	for k := range s.dirty {
		// A nil value marks a deleted key; set values are never nil.
		changes[k] = s.data[k]
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.restoreDirty(changes)
		return err
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(decree))
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dataBucket)
		for k, v := range changes {
			var err error
			if v == nil {
				err = b.Delete([]byte(k))
			} else {
				err = b.Put([]byte(k), v)
			}
			if err != nil {
				return err
			}
		}
		return tx.Bucket(metaBucket).Put(committedDecreeKey, buf[:])
	})
	if err != nil {
		s.restoreDirty(changes)
		return err
	}

	s.mu.Lock()
	if decree > s.durable {
		s.durable = decree
	}
	s.mu.Unlock()

	s.logger.Debug("Checkpoint written", zap.Int("keys", len(changes)), zap.Int64("durable_decree", int64(decree)))
	return nil
}

func (s *Store) restoreDirty(changes map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range changes {
		s.dirty[k] = struct{}{}
	}
}

// Close closes the bbolt file. With clearState the file is removed.
func (s *Store) Close(clearState bool) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if db == nil {
		return nil
	}
	if s.onClose != nil {
		s.onClose()
	}
	if err := db.Close(); err != nil {
		return err
	}
	if clearState {
		return os.Remove(s.path)
	}
	return nil
}
