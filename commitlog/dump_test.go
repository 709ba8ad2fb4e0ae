package commitlog_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/commitlog"
	"github.com/stretchr/testify/require"
)

func writeDumpLog(t *testing.T) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	l := mustOpenLog(t, dir, commitlog.NewOptions())
	appendRange(l, gpidA, 1, 3, nil)
	appendRange(l, gpidB, 1, 2, nil)
	flush(t, l)
	require.NoError(t, l.Close())

	files, err := commitlog.SegmentFileNames(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	return dir, files
}

func TestDump_Run(t *testing.T) {
	dir, files := writeDumpLog(t)

	var stdout bytes.Buffer
	d := &commitlog.Dump{
		Stdout:    &stdout,
		Stderr:    new(bytes.Buffer),
		FileGlobs: []string{dir},
		Payloads:  true,
	}
	reports, err := d.Run(true)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	r := reports[0]
	require.Equal(t, files[0], r.File)
	require.NoError(t, r.Err)
	require.Equal(t, 5, r.Writes)
	require.Equal(t, 0, r.Resets)
	require.Equal(t, replication.Decree(1), r.Partitions[gpidA].Min)
	require.Equal(t, replication.Decree(3), r.Partitions[gpidA].Max)
	require.Equal(t, 3, r.Partitions[gpidA].Count)
	require.Equal(t, 2, r.Partitions[gpidB].Count)

	out := stdout.String()
	require.Contains(t, out, "File: "+files[0])
	require.Equal(t, 5, strings.Count(out, " write "))
	require.Contains(t, out, "payload=03")
}

func TestDump_Summary(t *testing.T) {
	dir, _ := writeDumpLog(t)

	var stdout bytes.Buffer
	d := &commitlog.Dump{
		Stdout:    &stdout,
		FileGlobs: []string{filepath.Join(dir, "*")},
		Summary:   true,
		Partition: &gpidB,
	}
	reports, err := d.Run(true)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, 2, reports[0].Writes)
	require.NotContains(t, reports[0].Partitions, gpidA)

	out := stdout.String()
	require.Contains(t, out, "Records: 2 writes, 0 resets")
	require.NotContains(t, out, " write ")
}

func TestDump_TornTail(t *testing.T) {
	_, files := writeDumpLog(t)

	f, err := os.OpenFile(files[0], os.O_APPEND|os.O_WRONLY, 0666)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(commitlog.WriteRecordType), 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var stderr bytes.Buffer
	d := &commitlog.Dump{FileGlobs: files, Stderr: &stderr}
	reports, err := d.Run(false)
	require.NoError(t, err)
	require.Error(t, reports[0].Err)
	require.Equal(t, 5, reports[0].Writes)
}

func TestDump_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0666))

	d := &commitlog.Dump{FileGlobs: []string{path}}
	_, err := d.Run(false)
	require.Error(t, err)
}
