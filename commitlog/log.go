// Package commitlog implements a durable, segmented, append-only log of
// mutations shared by many partitions.
//
// The same type backs a node's shared prepare log and each replica's private
// commit log. Appends are queued and written by a single writer goroutine that
// syncs once per batch; completion callbacks run on a fixed set of worker
// goroutines chosen by partition hash, so callbacks of one partition run in
// append order.
package commitlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultCallbackWorkers is the default number of callback goroutines.
	DefaultCallbackWorkers = 4

	// callbackQueueSize bounds the callbacks queued on one worker.
	callbackQueueSize = 1024
)

// AppendFunc is called once an append is durable, or has failed. n is the
// number of bytes written.
type AppendFunc func(n int, err error)

// Options configures a Log.
type Options struct {
	// Name labels the log's metrics and log lines, e.g. "shared" or "commit".
	Name string

	// SegmentSize is the size at which a new segment file is started.
	SegmentSize int64

	// CallbackWorkers is the number of goroutines running append callbacks.
	CallbackWorkers int

	// Metrics is shared between logs. A nil value gives the log private,
	// unregistered metrics.
	Metrics *Metrics
}

// NewOptions returns Options with defaults.
func NewOptions() Options {
	return Options{
		Name:            "commit",
		SegmentSize:     DefaultSegmentSize,
		CallbackWorkers: DefaultCallbackWorkers,
	}
}

// PartitionHash returns the hash used to order a partition's appends.
func PartitionHash(gpid replication.GPID) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(gpid.AppID))
	binary.BigEndian.PutUint32(b[4:8], uint32(gpid.PartitionIndex))
	return xxhash.Sum64(b[:])
}

type indexEntry struct {
	decree replication.Decree
	seg    *segment
	offset int64
	size   int
}

func lessIndexEntry(a, b indexEntry) bool { return a.decree < b.decree }

// partition tracks one partition's decree range and the location of its
// durable write records.
type partition struct {
	base replication.Decree
	max  replication.Decree

	// gen is bumped on every reset. Queued records of an older generation are
	// still written but never indexed.
	gen   uint64
	index *btree.BTreeG[indexEntry]
}

func newPartition() *partition {
	return &partition{index: btree.NewG(16, lessIndexEntry)}
}

func (p *partition) reset(base replication.Decree) {
	p.base = base
	p.max = base
	p.gen++
	p.index.Clear(false)
}

// truncate drops index entries at or below d and raises the base to d.
func (p *partition) truncate(d replication.Decree) {
	if d <= p.base {
		return
	}
	p.base = d
	if p.max < d {
		p.max = d
	}
	for {
		e, ok := p.index.Min()
		if !ok || e.decree > d {
			return
		}
		p.index.DeleteMin()
	}
}

type segment struct {
	id   int
	path string
	r    *os.File
	size int64

	// decrees holds the highest decree recorded per partition.
	decrees map[replication.GPID]replication.Decree

	// sealed is set once the segment is no longer written to and all of its
	// records are tracked.
	sealed bool
}

func (s *segment) track(r *Record) {
	if d, ok := s.decrees[r.GPID]; !ok || r.Decree > d {
		s.decrees[r.GPID] = r.Decree
	}
}

// coveredBy reports whether every record in s is at or below the durable
// decree of its partition.
func (s *segment) coveredBy(durable map[replication.GPID]replication.Decree) bool {
	for gpid, d := range s.decrees {
		if dd, ok := durable[gpid]; !ok || d > dd {
			return false
		}
	}
	return true
}

type entry struct {
	rec  *Record
	gen  uint64
	hash uint64
	fn   AppendFunc

	// flushed is set for flush markers, which carry no record.
	flushed chan error
}

// Log is a segmented commit log.
type Log struct {
	mu   sync.RWMutex
	dir  string
	opts Options

	partitions map[replication.GPID]*partition
	segments   []*segment

	pending  []*entry
	inflight []*entry

	// err is the first write error. Every later append fails with it.
	err    error
	opened bool
	closed bool

	// Owned by the writer goroutine once the log is open.
	w       *segmentWriter
	current *segment

	notify  chan struct{}
	closing chan struct{}
	workers []chan func()
	wg      sync.WaitGroup
	cbWG    sync.WaitGroup

	metrics *logMetrics
	logger  *zap.Logger
}

// New returns a log stored in dir. It must be opened before use.
func New(dir string, opts Options) *Log {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.CallbackWorkers <= 0 {
		opts.CallbackWorkers = DefaultCallbackWorkers
	}
	if opts.Name == "" {
		opts.Name = "commit"
	}
	return &Log{
		dir:        dir,
		opts:       opts,
		partitions: make(map[replication.GPID]*partition),
		notify:     make(chan struct{}, 1),
		closing:    make(chan struct{}),
		metrics:    opts.Metrics.forLog(opts.Name),
		logger:     zap.NewNop(),
	}
}

// WithLogger sets the logger on the log. It must be called before Open.
func (l *Log) WithLogger(log *zap.Logger) {
	l.logger = log.With(zap.String("log", l.opts.Name), zap.String("path", l.dir))
}

// Path returns the directory of the log.
func (l *Log) Path() string { return l.dir }

// Open loads existing segments, truncating a torn record at the end of the
// last one, and starts a new segment for writes.
func (l *Log) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.opened {
		return nil
	}
	if l.closed {
		return replication.ErrClosed
	}

	if err := os.MkdirAll(l.dir, 0777); err != nil {
		return err
	}

	names, err := SegmentFileNames(l.dir)
	if err != nil {
		return err
	}

	var lastID int
	for i, name := range names {
		id, err := idFromFileName(name)
		if err != nil {
			return err
		}
		seg, err := l.loadSegment(id, name, i == len(names)-1)
		if err != nil {
			l.closeSegments()
			return err
		}
		l.segments = append(l.segments, seg)
		lastID = id
	}

	if err := l.newSegment(lastID + 1); err != nil {
		l.closeSegments()
		return err
	}

	l.logger.Info("Commit log opened",
		zap.Int("segments", len(l.segments)),
		zap.Int("partitions", len(l.partitions)))

	l.workers = make([]chan func(), l.opts.CallbackWorkers)
	for i := range l.workers {
		ch := make(chan func(), callbackQueueSize)
		l.workers[i] = ch
		l.cbWG.Add(1)
		go func() {
			defer l.cbWG.Done()
			for fn := range ch {
				fn()
			}
		}()
	}

	l.wg.Add(1)
	go l.run()

	l.opened = true
	return nil
}

func (l *Log) loadSegment(id int, name string, last bool) (*segment, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}

	seg := &segment{
		id:      id,
		path:    name,
		r:       f,
		decrees: make(map[replication.GPID]replication.Decree),
		sealed:  true,
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	r := NewSegmentReaderSize(bufio.NewReaderSize(f, 64*1024), fi.Size())
	for r.Next() {
		rec, err := r.Read()
		if err != nil {
			if !last {
				f.Close()
				return nil, fmt.Errorf("corrupt commit log segment %s at offset %d: %w", name, r.Offset(), err)
			}
			l.logger.Warn("Truncating torn commit log tail",
				zap.String("segment", name),
				zap.Int64("offset", r.Offset()),
				zap.Error(err))
			if err := f.Truncate(r.Offset()); err != nil {
				f.Close()
				return nil, err
			}
			break
		}
		l.load(seg, rec, r.RecordOffset(), int(r.Offset()-r.RecordOffset()))
	}
	seg.size = r.Offset()
	return seg, nil
}

// load applies a record read from disk at open.
func (l *Log) load(seg *segment, rec *Record, offset int64, size int) {
	p := l.partition(rec.GPID)
	switch rec.Type {
	case WriteRecordType:
		if rec.Decree <= p.base {
			return
		}
		if rec.Decree > p.max {
			p.max = rec.Decree
		}
		p.index.ReplaceOrInsert(indexEntry{decree: rec.Decree, seg: seg, offset: offset, size: size})
	case ResetRecordType:
		p.reset(rec.Decree)
	}
	seg.track(rec)
}

// newSegment starts segment id and makes it the write target.
// The caller must hold mu or be the writer goroutine.
func (l *Log) newSegment(id int) error {
	name := segmentFileName(l.dir, id)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	r, err := os.Open(name)
	if err != nil {
		f.Close()
		return err
	}

	seg := &segment{
		id:      id,
		path:    name,
		r:       r,
		decrees: make(map[replication.GPID]replication.Decree),
	}
	l.w = newSegmentWriter(f)
	l.current = seg
	l.segments = append(l.segments, seg)
	l.metrics.segments.Set(float64(len(l.segments)))
	return nil
}

func (l *Log) partition(gpid replication.GPID) *partition {
	p, ok := l.partitions[gpid]
	if !ok {
		p = newPartition()
		l.partitions[gpid] = p
	}
	return p
}

// MinDecree returns the decree the partition's records start after. Decrees
// at or below it are not in the log.
func (l *Log) MinDecree(gpid replication.GPID) replication.Decree {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.partitions[gpid]; ok {
		return p.base
	}
	return 0
}

// MaxDecree returns the highest decree appended for the partition, including
// appends that are not yet durable.
func (l *Log) MaxDecree(gpid replication.GPID) replication.Decree {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.partitions[gpid]; ok {
		return p.max
	}
	return 0
}

// Append queues m for writing. fn is called once the record is durable or
// the append failed; callbacks of appends sharing a hash run in append order.
// m must not be modified after it is appended.
func (l *Log) Append(m *replication.Mutation, hash uint64, fn AppendFunc) {
	l.mu.Lock()
	var err error
	switch {
	case l.closed || !l.opened:
		err = replication.ErrClosed
	case l.err != nil:
		err = l.err
	}
	if err != nil {
		l.mu.Unlock()
		l.metrics.failed.Inc()
		if fn != nil {
			go fn(0, err)
		}
		return
	}

	p := l.partition(m.GPID)
	if m.Decree > p.max {
		p.max = m.Decree
	}
	l.pending = append(l.pending, &entry{rec: newWriteRecord(m), gen: p.gen, hash: hash, fn: fn})
	l.metrics.pending.Set(float64(len(l.pending)))
	l.mu.Unlock()

	l.signal()
}

// ResetAsCommitLog re-anchors the partition at base: records at or below base
// are dropped from the index and the next expected decree is base+1. Appends
// of the partition queued before the reset are written but never replayed.
func (l *Log) ResetAsCommitLog(gpid replication.GPID, base replication.Decree) {
	l.mu.Lock()
	if l.closed || !l.opened {
		l.mu.Unlock()
		return
	}
	p := l.partition(gpid)
	p.reset(base)
	l.pending = append(l.pending, &entry{rec: newResetRecord(gpid, base), gen: p.gen, hash: PartitionHash(gpid)})
	l.mu.Unlock()

	l.logger.Info("Commit log reset", logger.Partition(gpid), logger.Decree(base))
	l.signal()
}

// Replay calls fn for every write record of gpid above from in decree order,
// covering durable records and records still queued for writing. Replay
// stops at the first error returned by fn. fn must not call into the log.
func (l *Log) Replay(gpid replication.GPID, from replication.Decree, fn func(*replication.Mutation) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.partitions[gpid]
	if !ok {
		return nil
	}

	next := from
	var err error
	p.index.AscendGreaterOrEqual(indexEntry{decree: from + 1}, func(e indexEntry) bool {
		var rec *Record
		if rec, err = readRecordAt(e.seg.r, e.offset, e.size); err != nil {
			err = fmt.Errorf("reading decree %d of %s: %w", e.decree, gpid, err)
			return false
		}
		if err = fn(rec.Mutation); err != nil {
			return false
		}
		next = e.decree
		return true
	})
	if err != nil {
		return err
	}

	for _, entries := range [][]*entry{l.inflight, l.pending} {
		for _, e := range entries {
			if e.rec == nil || e.rec.Type != WriteRecordType || e.rec.GPID != gpid || e.gen != p.gen || e.rec.Decree <= next {
				continue
			}
			if err := fn(e.rec.Mutation); err != nil {
				return err
			}
			next = e.rec.Decree
		}
	}
	return nil
}

// Flush waits until every append queued before the call is durable and its
// callback has run. It must not be called from an append callback.
func (l *Log) Flush(ctx context.Context) error {
	ch := make(chan error, 1)

	l.mu.Lock()
	if l.closed || !l.opened {
		l.mu.Unlock()
		return replication.ErrClosed
	}
	l.pending = append(l.pending, &entry{flushed: ch})
	l.mu.Unlock()

	l.signal()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GarbageCollect removes segments from the head of the log whose records are
// all at or below the durable decree of their partition, and raises those
// partitions' min decrees. It returns the number of segments removed.
func (l *Log) GarbageCollect(durable map[replication.GPID]replication.Decree) (int, error) {
	l.mu.Lock()
	var victims []*segment
	for len(l.segments) > 0 {
		seg := l.segments[0]
		if !seg.sealed || !seg.coveredBy(durable) {
			break
		}
		victims = append(victims, seg)
		l.segments = l.segments[1:]
		for gpid, d := range seg.decrees {
			if p, ok := l.partitions[gpid]; ok {
				p.truncate(d)
			}
		}
	}
	l.metrics.segments.Set(float64(len(l.segments)))
	l.mu.Unlock()

	var err error
	for _, seg := range victims {
		err = multierr.Append(err, seg.r.Close())
		err = multierr.Append(err, os.Remove(seg.path))
	}
	if len(victims) > 0 {
		l.logger.Info("Removed commit log segments",
			zap.Int("segments", len(victims)),
			zap.Int("last_id", victims[len(victims)-1].id))
	}
	return len(victims), err
}

// Close stops the writer after it has written everything queued, waits for
// all callbacks to finish and releases the segment files. Close is safe to
// call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	opened := l.opened
	l.mu.Unlock()

	if !opened {
		return nil
	}

	close(l.closing)
	l.wg.Wait()

	for _, ch := range l.workers {
		close(ch)
	}
	l.cbWG.Wait()

	var err error
	if l.w != nil {
		err = multierr.Append(err, l.w.close())
	}

	l.mu.Lock()
	err = multierr.Append(err, l.closeSegments())
	l.mu.Unlock()
	return err
}

func (l *Log) closeSegments() error {
	var err error
	for _, seg := range l.segments {
		err = multierr.Append(err, seg.r.Close())
	}
	return err
}

func (l *Log) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// run is the writer goroutine.
func (l *Log) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.notify:
			l.writeBatch()
		case <-l.closing:
			l.writeBatch()
			return
		}
	}
}

type position struct {
	seg    *segment
	offset int64
	size   int
}

// writeBatch writes every pending entry, syncs once, indexes the records and
// hands the callbacks to the workers.
func (l *Log) writeBatch() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.inflight = batch
	err := l.err
	l.metrics.pending.Set(0)
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	pos := make([]position, len(batch))
	var written int
	if err == nil {
		for i, e := range batch {
			if e.rec == nil {
				continue
			}
			if err = l.roll(); err != nil {
				break
			}
			var off int64
			var n int
			if off, n, err = l.w.write(e.rec); err != nil {
				break
			}
			pos[i] = position{seg: l.current, offset: off, size: n}
			written += n
		}
		if err == nil {
			err = l.w.sync()
		}
	}
	l.metrics.syncDur.Observe(time.Since(start).Seconds())
	l.metrics.bytes.Add(float64(written))

	l.mu.Lock()
	if err != nil && l.err == nil {
		l.err = err
		l.logger.Error("Commit log write failed", zap.Error(err))
	}
	if err == nil {
		for i, e := range batch {
			if e.rec == nil {
				continue
			}
			ps := pos[i]
			ps.seg.track(e.rec)
			ps.seg.size = ps.offset + int64(ps.size)
			if e.rec.Type != WriteRecordType {
				continue
			}
			if p := l.partitions[e.rec.GPID]; p != nil && p.gen == e.gen && e.rec.Decree > p.base {
				p.index.ReplaceOrInsert(indexEntry{decree: e.rec.Decree, seg: ps.seg, offset: ps.offset, size: ps.size})
			}
		}
		for i := len(l.segments) - 1; i >= 0; i-- {
			if seg := l.segments[i]; seg != l.current {
				if seg.sealed {
					break
				}
				seg.sealed = true
			}
		}
	}
	l.inflight = nil
	l.mu.Unlock()

	for i, e := range batch {
		switch {
		case e.flushed != nil:
			l.barrier(e.flushed, err)
		case e.fn != nil:
			fn, n := e.fn, pos[i].size
			l.workers[e.hash%uint64(len(l.workers))] <- func() { fn(n, err) }
		}
		if e.rec != nil && e.rec.Type == WriteRecordType {
			if err != nil {
				l.metrics.failed.Inc()
			} else {
				l.metrics.ok.Inc()
			}
		}
	}
}

// barrier reports err on ch once every worker has drained its queue.
func (l *Log) barrier(ch chan error, err error) {
	var wg sync.WaitGroup
	wg.Add(len(l.workers))
	for _, w := range l.workers {
		w <- wg.Done
	}
	go func() {
		wg.Wait()
		ch <- err
	}()
}

// roll starts a new segment once the current one is full.
func (l *Log) roll() error {
	if l.w.size < l.opts.SegmentSize {
		return nil
	}
	if err := l.w.sync(); err != nil {
		return err
	}
	if err := l.w.close(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newSegment(l.current.id + 1)
}
