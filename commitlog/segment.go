package commitlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/influxdata/replication"
)

const (
	// DefaultSegmentSize is the size at which segment files are rolled over.
	DefaultSegmentSize = 8 * 1024 * 1024

	// FileExtension is the file extension of commit log segments.
	FileExtension = "log"

	// FilePrefix prefixes every segment file name.
	FilePrefix = "_"

	// recordHeaderSize is type(1) + length(4) + checksum(8).
	recordHeaderSize = 1 + 4 + 8

	resetPayloadSize = 4 + 4 + 8

	// MaxRecordSize bounds the compressed payload of a record. A header
	// announcing more is treated as torn.
	MaxRecordSize = 64 * 1024 * 1024
)

// RecordType is the first byte of every record and says what its payload holds.
type RecordType byte

const (
	// WriteRecordType records a mutation.
	WriteRecordType RecordType = 0x01
	// ResetRecordType re-anchors a partition at a base decree.
	ResetRecordType RecordType = 0x02
)

func (t RecordType) String() string {
	switch t {
	case WriteRecordType:
		return "write"
	case ResetRecordType:
		return "reset"
	}
	return fmt.Sprintf("RecordType(%#x)", byte(t))
}

// Record is one decoded entry of a segment.
type Record struct {
	Type RecordType
	GPID replication.GPID

	// Decree is the mutation's decree for writes and the base decree for resets.
	Decree replication.Decree

	// Mutation is set for write records.
	Mutation *replication.Mutation
}

func newWriteRecord(m *replication.Mutation) *Record {
	return &Record{Type: WriteRecordType, GPID: m.GPID, Decree: m.Decree, Mutation: m}
}

func newResetRecord(gpid replication.GPID, base replication.Decree) *Record {
	return &Record{Type: ResetRecordType, GPID: gpid, Decree: base}
}

// encode returns the uncompressed payload of the record.
func (r *Record) encode() ([]byte, error) {
	switch r.Type {
	case WriteRecordType:
		return r.Mutation.MarshalBinary()
	case ResetRecordType:
		b := make([]byte, resetPayloadSize)
		binary.BigEndian.PutUint32(b[0:4], uint32(r.GPID.AppID))
		binary.BigEndian.PutUint32(b[4:8], uint32(r.GPID.PartitionIndex))
		binary.BigEndian.PutUint64(b[8:16], uint64(r.Decree))
		return b, nil
	}
	return nil, fmt.Errorf("unknown record type: %v", r.Type)
}

func decodeRecord(typ RecordType, b []byte) (*Record, error) {
	switch typ {
	case WriteRecordType:
		m := &replication.Mutation{}
		if err := m.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return newWriteRecord(m), nil
	case ResetRecordType:
		if len(b) != resetPayloadSize {
			return nil, fmt.Errorf("reset record has %d bytes, want %d", len(b), resetPayloadSize)
		}
		gpid := replication.GPID{
			AppID:          int32(binary.BigEndian.Uint32(b[0:4])),
			PartitionIndex: int32(binary.BigEndian.Uint32(b[4:8])),
		}
		return newResetRecord(gpid, replication.Decree(binary.BigEndian.Uint64(b[8:16]))), nil
	}
	return nil, fmt.Errorf("unknown record type: %v", typ)
}

// segmentWriter appends records to a segment file.
type segmentWriter struct {
	f    *os.File
	size int64
}

func newSegmentWriter(f *os.File) *segmentWriter {
	return &segmentWriter{f: f}
}

// write appends r and returns the record's offset and encoded size.
func (w *segmentWriter) write(r *Record) (int64, int, error) {
	b, err := r.encode()
	if err != nil {
		return 0, 0, err
	}

	compressed := snappy.Encode(nil, b)
	if len(compressed) > MaxRecordSize {
		return 0, 0, fmt.Errorf("commit log record of %d bytes exceeds %d", len(compressed), MaxRecordSize)
	}

	buf := getBuf(recordHeaderSize + len(compressed))
	defer putBuf(buf)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(compressed)))
	binary.BigEndian.PutUint64(buf[5:13], xxhash.Sum64(compressed))
	n := recordHeaderSize + copy(buf[recordHeaderSize:], compressed)

	offset := w.size
	if _, err := w.f.Write(buf[:n]); err != nil {
		return 0, 0, fmt.Errorf("error writing to commit log: %v", err)
	}
	w.size += int64(n)
	return offset, n, nil
}

// sync flushes the file system's in-memory copy of recently written data to disk.
func (w *segmentWriter) sync() error { return w.f.Sync() }

func (w *segmentWriter) close() error { return w.f.Close() }

// SegmentReader reads the records of a segment in order.
type SegmentReader struct {
	r      io.Reader
	rec    *Record
	err    error
	offset int64 // offset of the next record
	last   int64 // offset of the record returned by Read
	size   int64 // size of the stream, or 0 if unknown
}

// NewSegmentReader returns a reader over a segment stream.
func NewSegmentReader(r io.Reader) *SegmentReader {
	return &SegmentReader{r: r}
}

// NewSegmentReaderSize returns a reader over a segment stream of size bytes.
// Records claiming to extend past size are reported as torn.
func NewSegmentReaderSize(r io.Reader, size int64) *SegmentReader {
	return &SegmentReader{r: r, size: size}
}

// Next reports whether there is a record to read. A torn or corrupt record
// also returns true so that Read can report the error.
func (r *SegmentReader) Next() bool {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err == io.EOF {
		return false
	} else if err != nil {
		r.err = err
		return true
	}

	typ := RecordType(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:5])
	sum := binary.BigEndian.Uint64(hdr[5:13])

	if length > MaxRecordSize {
		r.err = fmt.Errorf("record length %d at offset %d exceeds %d", length, r.offset, MaxRecordSize)
		return true
	}
	if end := r.offset + recordHeaderSize + int64(length); r.size > 0 && end > r.size {
		r.err = fmt.Errorf("record at offset %d ends at %d past segment size %d: %w", r.offset, end, r.size, io.ErrUnexpectedEOF)
		return true
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(r.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return true
	}

	if xxhash.Sum64(b) != sum {
		r.err = fmt.Errorf("checksum mismatch at offset %d", r.offset)
		return true
	}

	data, err := snappy.Decode(nil, b)
	if err != nil {
		r.err = err
		return true
	}

	r.rec, r.err = decodeRecord(typ, data)
	if r.err != nil {
		r.err = fmt.Errorf("decode record at offset %d: %w", r.offset, r.err)
		return true
	}
	r.last = r.offset
	r.offset += int64(recordHeaderSize) + int64(length)
	return true
}

// Read returns the current record.
func (r *SegmentReader) Read() (*Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.rec, nil
}

// Offset returns the byte offset just past the last good record. After an
// error it is where the bad record starts.
func (r *SegmentReader) Offset() int64 { return r.offset }

// RecordOffset returns the offset of the record returned by the last Read.
func (r *SegmentReader) RecordOffset() int64 { return r.last }

// readRecordAt reads the record stored at offset in f.
func readRecordAt(f *os.File, offset int64, size int) (*Record, error) {
	b := make([]byte, size)
	if _, err := f.ReadAt(b, offset); err != nil {
		return nil, err
	}
	r := NewSegmentReader(&byteReader{b: b})
	if !r.Next() {
		return nil, io.ErrUnexpectedEOF
	}
	return r.Read()
}

type byteReader struct {
	b []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// SegmentFileNames returns all segment files in dir sorted by ascending id.
func SegmentFileNames(dir string) ([]string, error) {
	names, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%s*.%s", FilePrefix, FileExtension)))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func segmentFileName(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%05d.%s", FilePrefix, id, FileExtension))
}

// idFromFileName parses the segment file id from its name.
func idFromFileName(name string) (int, error) {
	parts := strings.Split(filepath.Base(name), ".")
	if len(parts) != 2 {
		return 0, fmt.Errorf("file %s has wrong name format to have an id", name)
	}

	id, err := strconv.ParseUint(parts[0][1:], 10, 32)

	return int(id), err
}

var bufPool sync.Pool

// getBuf returns a buffer with length size from the buffer pool.
func getBuf(size int) []byte {
	x := bufPool.Get()
	if x == nil {
		return make([]byte, size)
	}
	buf := x.([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// putBuf returns a buffer to the pool.
func putBuf(buf []byte) {
	bufPool.Put(buf) //nolint:staticcheck
}
