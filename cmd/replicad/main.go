package main

import (
	"fmt"
	"os"

	"github.com/influxdata/replication/cmd/replicad/inspect"
	"github.com/influxdata/replication/kit/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	cmd, err := NewCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// NewCommand returns the replicad root command.
func NewCommand() (*cobra.Command, error) {
	base := &cobra.Command{
		Use:   "replicad",
		Short: "Partition replication daemon",
		Args:  cobra.NoArgs,
	}

	runCmd, err := newConfigCommand("run", "Start the daemon", run)
	if err != nil {
		return nil, err
	}
	printCmd, err := newConfigCommand("print-config", "Print the resolved configuration as TOML", printConfig)
	if err != nil {
		return nil, err
	}

	base.AddCommand(runCmd, printCmd, inspect.NewCommand())
	return base, nil
}

// newConfigCommand returns a command that resolves a Config and passes it to
// fn. Values are taken, in order of precedence, from flags, REPLICAD_<FLAG>
// variables, the file named by --config with REPLICAD_<SECTION>_<KEY>
// overrides, and the defaults.
func newConfigCommand(use, short string, fn func(*cobra.Command, *Config, []cli.Opt) error) (*cobra.Command, error) {
	v := viper.New()
	defaults := NewConfig()
	flags := NewConfig()

	var configPath string
	opts := append([]cli.Opt{{
		DestP: &configPath,
		Flag:  "config",
		Desc:  "path to a TOML configuration file",
	}}, flags.Opts(defaults)...)

	var cmd *cobra.Command
	c, err := cli.NewCommand(v, &cli.Program{
		Name: "replicad",
		Opts: opts,
		Run: func() error {
			config := NewConfig()
			if configPath != "" {
				if err := config.FromTomlFile(configPath); err != nil {
					return fmt.Errorf("parse config: %v", err)
				}
			}
			if err := config.ApplyEnvOverrides(os.Getenv); err != nil {
				return fmt.Errorf("apply env config: %v", err)
			}
			config.applyFlags(flags, v.IsSet)
			if err := config.Validate(); err != nil {
				return fmt.Errorf("%s: %v", use, err)
			}
			return fn(cmd, config, config.Opts(defaults))
		},
	})
	if err != nil {
		return nil, err
	}
	c.Use = use
	c.Short = short
	c.SilenceUsage = true
	cmd = c
	return cmd, nil
}
