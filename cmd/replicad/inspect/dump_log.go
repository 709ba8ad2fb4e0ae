package inspect

import (
	"errors"

	"github.com/influxdata/replication"
	"github.com/influxdata/replication/commitlog"
	"github.com/spf13/cobra"
)

var dumpLogFlags = struct {
	partition string
	payloads  bool
	summary   bool
}{}

// NewDumpLogCommand returns the dump-log command.
func NewDumpLogCommand() *cobra.Command {
	dumpLogCommand := &cobra.Command{
		Use:   "dump-log <path>...",
		Short: "Dump the records of shared or commit log segments",
		Long: `
This tool dumps the records of log segment files for debugging purposes. Each
path is a segment file, a directory of segment files (such as <data-dir>/slog
or a replica's plog directory) or a glob matching either.

--summary=false (default): for each file, the following is printed:
	* The file name and size
	* for each record, its offset, type, partition, decree, ballot,
	  last committed decree and size
--summary=true: for each file, the following is printed:
	* The file name and size
	* The number of write and reset records
	* for each partition, the decree range it holds and its write count
`,
		RunE: inspectDumpLog,
	}

	dumpLogCommand.Flags().StringVarP(&dumpLogFlags.partition, "partition", "", "", "only dump records of this partition, as <app>.<partition>")
	dumpLogCommand.Flags().BoolVarP(&dumpLogFlags.payloads, "payloads", "", false, "print mutation payloads as hex")
	dumpLogCommand.Flags().BoolVarP(&dumpLogFlags.summary, "summary", "", false, "only print per-partition decree ranges")

	return dumpLogCommand
}

func inspectDumpLog(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("no files provided. aborting")
	}

	dumper := &commitlog.Dump{
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
		FileGlobs: args,
		Payloads:  dumpLogFlags.payloads,
		Summary:   dumpLogFlags.summary,
	}
	if dumpLogFlags.partition != "" {
		gpid, err := replication.ParseGPID(dumpLogFlags.partition)
		if err != nil {
			return err
		}
		dumper.Partition = &gpid
	}

	_, err := dumper.Run(true)
	return err
}
