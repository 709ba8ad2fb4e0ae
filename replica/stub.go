package replica

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/commitlog"
	"github.com/influxdata/replication/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sharedLogDir = "slog"
	commitLogDir = "plog"

	// maxConcurrentOpens bounds how many replicas are recovered at once.
	maxConcurrentOpens = 8
)

// Stub hosts the replicas of one node and owns the shared prepare log.
type Stub struct {
	mu   sync.RWMutex
	dir  string
	opts Options

	sharedLog *commitlog.Log
	replicas  map[replication.GPID]*Replica
	apps      map[string]AppFactory

	transport Transport
	clock     clock.Clock

	opened bool
	closed bool

	metrics    *Metrics
	logMetrics *commitlog.Metrics
	logger     *zap.Logger
}

// NewStub returns a stub storing its replicas under dir.
func NewStub(dir string, opts Options) *Stub {
	return &Stub{
		dir:        dir,
		opts:       opts,
		replicas:   make(map[replication.GPID]*Replica),
		apps:       make(map[string]AppFactory),
		clock:      clock.New(),
		metrics:    NewMetrics(),
		logMetrics: commitlog.NewMetrics(),
		logger:     zap.NewNop(),
	}
}

// WithLogger sets the logger on the stub and the replicas it opens.
func (s *Stub) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "replica-stub"), zap.String("node", s.opts.Node))
}

// WithTransport sets the transport primaries use to reach secondaries.
func (s *Stub) WithTransport(t Transport) {
	s.transport = t
}

// WithClock sets the clock driving the replicas' check timers.
func (s *Stub) WithClock(c clock.Clock) {
	s.clock = c
}

// RegisterApp registers the factory for apps of appType.
func (s *Stub) RegisterApp(appType string, f AppFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[appType] = f
}

// Node returns the name of the stub's node.
func (s *Stub) Node() string { return s.opts.Node }

// Dir returns the stub's data directory.
func (s *Stub) Dir() string { return s.dir }

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (s *Stub) PrometheusCollectors() []prometheus.Collector {
	return append(s.metrics.PrometheusCollectors(), s.logMetrics.PrometheusCollectors()...)
}

// Open opens the shared prepare log and recovers every replica found in the
// data directory whose app type is registered.
func (s *Stub) Open(ctx context.Context) error {
	if err := s.opts.Validate(); err != nil {
		return &replication.Error{Code: replication.EInvalid, Op: "replica.Stub.Open", Err: err}
	}

	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return &replication.Error{Code: replication.EInvalidState, Op: "replica.Stub.Open", Msg: "stub already opened"}
	}
	if err := os.MkdirAll(s.dir, 0777); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.opts.SharedLogEnabled {
		l := commitlog.New(filepath.Join(s.dir, sharedLogDir), s.opts.logOptions("shared", s.logMetrics))
		l.WithLogger(s.logger)
		if err := l.Open(); err != nil {
			s.mu.Unlock()
			return err
		}
		s.sharedLog = l
	}
	s.opened = true
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentOpens)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == sharedLogDir {
			continue
		}
		gpid, appType, err := parseReplicaDir(e.Name())
		if err != nil {
			s.logger.Warn("Skipping unknown directory", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		g.Go(func() error {
			_, err := s.OpenReplica(ctx, gpid, appType)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("Replica stub opened", zap.String("path", s.dir), zap.Int("replicas", len(s.Replicas())))
	return nil
}

// replicaDirName is "<app>.<partition>.<app type>".
func replicaDirName(gpid replication.GPID, appType string) string {
	return fmt.Sprintf("%d.%d.%s", gpid.AppID, gpid.PartitionIndex, appType)
}

func parseReplicaDir(name string) (replication.GPID, string, error) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) != 3 || parts[2] == "" {
		return replication.GPID{}, "", fmt.Errorf("replica directory %q is not <app>.<partition>.<type>", name)
	}
	gpid, err := replication.ParseGPID(parts[0] + "." + parts[1])
	if err != nil {
		return replication.GPID{}, "", err
	}
	return gpid, parts[2], nil
}

// OpenReplica opens, recovering if needed, the replica of gpid with an app of
// appType. An already open replica is returned as is.
func (s *Stub) OpenReplica(ctx context.Context, gpid replication.GPID, appType string) (*Replica, error) {
	const op = "replica.Stub.OpenReplica"

	s.mu.RLock()
	r, ok := s.replicas[gpid]
	factory := s.apps[appType]
	opened, closed := s.opened, s.closed
	s.mu.RUnlock()

	switch {
	case ok:
		return r, nil
	case closed || !opened:
		return nil, &replication.Error{Code: replication.EClosed, Op: op, Msg: "stub is not open"}
	case factory == nil:
		return nil, &replication.Error{Code: replication.EInvalid, Op: op, Msg: fmt.Sprintf("unknown app type %q", appType)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := s.openReplica(gpid, appType, factory)
	if err != nil {
		return nil, &replication.Error{Code: replication.ErrorCode(err), Op: op, Msg: fmt.Sprintf("opening %s", gpid), Err: err}
	}

	s.mu.Lock()
	if existing, ok := s.replicas[gpid]; ok || s.closed {
		s.mu.Unlock()
		if cerr := r.Close(); cerr != nil {
			s.logger.Warn("Closing duplicate replica failed", logger.Partition(gpid), zap.Error(cerr))
		}
		if !ok {
			return nil, replication.ErrClosed
		}
		return existing, nil
	}
	s.replicas[gpid] = r
	s.mu.Unlock()

	r.open()
	return r, nil
}

func (s *Stub) openReplica(gpid replication.GPID, appType string, factory AppFactory) (*Replica, error) {
	dir := filepath.Join(s.dir, replicaDirName(gpid, appType))
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}

	app, err := factory(dir)
	if err != nil {
		return nil, err
	}

	var clog CommitLog
	if s.opts.CommitLogEnabled {
		l := commitlog.New(filepath.Join(dir, commitLogDir), s.opts.logOptions("commit", s.logMetrics))
		l.WithLogger(s.logger.With(logger.Partition(gpid)))
		if err := l.Open(); err != nil {
			return nil, multierr.Append(err, app.Close(false))
		}
		clog = l
	}

	var shared CommitLog
	if s.sharedLog != nil {
		shared = s.sharedLog
	}

	r := newReplica(replicaConfig{
		gpid:      gpid,
		dir:       dir,
		opts:      s.opts,
		app:       app,
		commitLog: clog,
		sharedLog: shared,
		transport: s.transport,
		clock:     s.clock,
		metrics:   s.metrics,
		logger:    s.logger,
	})
	if err := r.load(); err != nil {
		return nil, multierr.Append(err, r.Close())
	}
	return r, nil
}

// Replica returns the open replica of gpid, or nil.
func (s *Stub) Replica(gpid replication.GPID) *Replica {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replicas[gpid]
}

// Replicas returns the open replicas ordered by partition.
func (s *Stub) Replicas() []*Replica {
	s.mu.RLock()
	a := make([]*Replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		a = append(a, r)
	}
	s.mu.RUnlock()

	sort.Slice(a, func(i, j int) bool {
		gi, gj := a[i].gpid, a[j].gpid
		if gi.AppID != gj.AppID {
			return gi.AppID < gj.AppID
		}
		return gi.PartitionIndex < gj.PartitionIndex
	})
	return a
}

// Configurations reports every replica's role and decrees.
func (s *Stub) Configurations() []Info {
	replicas := s.Replicas()
	infos := make([]Info, 0, len(replicas))
	for _, r := range replicas {
		infos = append(infos, r.Info())
	}
	return infos
}

// Diagnose checks every replica's logs against its app. Nothing is repaired.
func (s *Stub) Diagnose() []Diagnosis {
	replicas := s.Replicas()
	a := make([]Diagnosis, 0, len(replicas))
	for _, r := range replicas {
		a = append(a, r.Diagnose())
	}
	return a
}

// GarbageCollect removes log segments holding only decrees every replica has
// made durable. It returns the number of segments removed.
func (s *Stub) GarbageCollect() (int, error) {
	replicas := s.Replicas()

	var removed int
	var err error
	durable := make(map[replication.GPID]replication.Decree, len(replicas))
	for _, r := range replicas {
		if d := r.LastDurableDecree(); d != replication.InvalidDecree {
			durable[r.gpid] = d
		}
		n, gerr := r.garbageCollect()
		removed += n
		err = multierr.Append(err, gerr)
	}

	if s.sharedLog != nil {
		n, gerr := s.sharedLog.GarbageCollect(durable)
		removed += n
		err = multierr.Append(err, gerr)
	}
	return removed, err
}

// Close closes every replica concurrently, then the shared log.
func (s *Stub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	replicas := make([]*Replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		replicas = append(replicas, r)
	}
	s.mu.Unlock()

	var (
		mu  sync.Mutex
		err error
		g   errgroup.Group
	)
	for _, r := range replicas {
		r := r
		g.Go(func() error {
			if cerr := r.Close(); cerr != nil {
				mu.Lock()
				err = multierr.Append(err, fmt.Errorf("closing %s: %w", r.gpid, cerr))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.sharedLog != nil {
		err = multierr.Append(err, s.sharedLog.Close())
	}
	s.logger.Info("Replica stub closed", zap.Int("replicas", len(replicas)))
	return err
}
