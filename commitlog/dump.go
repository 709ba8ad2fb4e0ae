package commitlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/replication"
)

// Dump prints the records of commit log segment files. It backs
// "replicad inspect dump-log".
type Dump struct {
	// Standard input/output
	Stderr io.Writer
	Stdout io.Writer

	// Segment files, or directories of segment files, to dump. Globs are
	// expanded.
	FileGlobs []string

	// Partition, if set, limits the dump to one partition's records.
	Partition *replication.GPID

	// Payloads prints the payload of every write record.
	Payloads bool

	// Summary prints one line per partition instead of every record.
	Summary bool
}

// DumpReport describes one segment file.
type DumpReport struct {
	File string
	Size int64

	Writes int
	Resets int

	// Partitions holds the decree range written for each partition.
	Partitions map[replication.GPID]*DecreeRange

	// Err is set when the file ends in a torn or corrupt record. Records
	// before it are reported.
	Err error
}

// DecreeRange is the span of decrees a segment holds for a partition.
type DecreeRange struct {
	Min, Max replication.Decree
	Count    int
	Bytes    int64
}

// Run dumps every requested file. The print flag indicates whether output is
// written; run programmatically, Run(false) only returns the reports.
func (d *Dump) Run(print bool) ([]*DumpReport, error) {
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if !print {
		d.Stdout, d.Stderr = io.Discard, io.Discard
	}

	paths, err := expandSegmentGlobs(d.FileGlobs)
	if err != nil {
		return nil, err
	}

	tw := tabwriter.NewWriter(d.Stdout, 8, 2, 1, ' ', 0)
	var reports []*DumpReport
	for _, path := range paths {
		r, err := d.process(path, tw)
		if err != nil {
			return nil, err
		}
		if r.Err != nil {
			fmt.Fprintf(d.Stderr, "%s: stopped at corrupt record: %v\n", path, r.Err)
		}
		reports = append(reports, r)
	}
	if err := tw.Flush(); err != nil {
		return nil, err
	}
	return reports, nil
}

// expandSegmentGlobs returns the sorted, deduplicated segment files matched
// by globs. A matched directory contributes its segment files.
func expandSegmentGlobs(globs []string) ([]string, error) {
	files := make(map[string]struct{})
	for _, pattern := range globs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			fi, err := os.Stat(match)
			if err != nil {
				return nil, err
			}
			if !fi.IsDir() {
				files[match] = struct{}{}
				continue
			}
			names, err := SegmentFileNames(match)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				files[name] = struct{}{}
			}
		}
	}

	s := make([]string, 0, len(files))
	for k := range files {
		s = append(s, k)
	}
	sort.Strings(s)
	return s, nil
}

func (d *Dump) process(path string, w io.Writer) (*DumpReport, error) {
	if filepath.Ext(path) != "."+FileExtension {
		return nil, fmt.Errorf("invalid segment filename: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	report := &DumpReport{
		File:       path,
		Size:       fi.Size(),
		Partitions: make(map[replication.GPID]*DecreeRange),
	}

	fmt.Fprintf(w, "File: %s (%s)\n", path, humanize.Bytes(uint64(report.Size)))
	if !d.Summary {
		fmt.Fprintln(w, "offset\ttype\tpartition\tdecree\tballot\tlast_committed\tsize\t")
	}

	r := NewSegmentReaderSize(f, report.Size)
	for r.Next() {
		rec, err := r.Read()
		if err != nil {
			report.Err = err
			break
		}
		if d.Partition != nil && rec.GPID != *d.Partition {
			continue
		}
		size := r.Offset() - r.RecordOffset()

		switch rec.Type {
		case WriteRecordType:
			report.Writes++
			dr, ok := report.Partitions[rec.GPID]
			if !ok {
				dr = &DecreeRange{Min: rec.Decree, Max: rec.Decree}
				report.Partitions[rec.GPID] = dr
			}
			if rec.Decree < dr.Min {
				dr.Min = rec.Decree
			}
			if rec.Decree > dr.Max {
				dr.Max = rec.Decree
			}
			dr.Count++
			dr.Bytes += size
		case ResetRecordType:
			report.Resets++
		}

		if d.Summary {
			continue
		}
		switch rec.Type {
		case WriteRecordType:
			m := rec.Mutation
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t\n",
				r.RecordOffset(), rec.Type, rec.GPID, rec.Decree, m.Ballot, m.LastCommittedDecree, size)
			if d.Payloads {
				fmt.Fprintf(w, "\tpayload=%x\t\t\t\t\t\t\n", m.Payload)
			}
		default:
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t\t\t%d\t\n", r.RecordOffset(), rec.Type, rec.GPID, rec.Decree, size)
		}
	}

	if d.Summary {
		fmt.Fprintf(w, "Records: %s writes, %s resets\n", humanize.Comma(int64(report.Writes)), humanize.Comma(int64(report.Resets)))
		fmt.Fprintln(w, "partition\tmin_decree\tmax_decree\twrites\tbytes\t")
		gpids := make([]replication.GPID, 0, len(report.Partitions))
		for gpid := range report.Partitions {
			gpids = append(gpids, gpid)
		}
		sort.Slice(gpids, func(i, j int) bool {
			if gpids[i].AppID != gpids[j].AppID {
				return gpids[i].AppID < gpids[j].AppID
			}
			return gpids[i].PartitionIndex < gpids[j].PartitionIndex
		})
		for _, gpid := range gpids {
			dr := report.Partitions[gpid]
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t\n", gpid, dr.Min, dr.Max, humanize.Comma(int64(dr.Count)), humanize.Bytes(uint64(dr.Bytes)))
		}
	}
	return report, nil
}
