package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/replication"
	"github.com/influxdata/replication/bolt"
	"github.com/influxdata/replication/http"
	"github.com/influxdata/replication/kit/cli"
	"github.com/influxdata/replication/logger"
	"github.com/influxdata/replication/replica"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func printConfig(cmd *cobra.Command, c *Config, _ []cli.Opt) error {
	return toml.NewEncoder(cmd.OutOrStdout()).Encode(c)
}

func run(cmd *cobra.Command, c *Config, opts []cli.Opt) error {
	log, err := logger.New(cmd.OutOrStdout(), c.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	go func() {
		select {
		case sig := <-signalCh:
			log.Info("Signal received, initializing clean shutdown...", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	d, err := openDaemon(ctx, log, c, opts)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// daemon is a running replica stub and the HTTP server in front of it.
type daemon struct {
	config *Config
	log    *zap.Logger

	stub     *replica.Stub
	listener net.Listener
	server   *nethttp.Server
}

// openDaemon recovers the stub, opens the bootstrapped partitions and binds
// the HTTP listener.
func openDaemon(ctx context.Context, log *zap.Logger, c *Config, opts []cli.Opt) (*daemon, error) {
	log.Info("Starting replicad",
		zap.String("node", c.Replication.Node),
		zap.String("data_dir", c.DataDir),
		zap.Int("partitions", c.Partitions))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	transport := http.NewTransport()
	transport.WithLogger(log)

	stub := replica.NewStub(c.DataDir, c.Replication)
	stub.WithLogger(log)
	stub.WithTransport(transport)
	kv := bolt.NewCollector()
	stub.RegisterApp(bolt.AppType, bolt.NewAppFactory(log, kv))
	if err := stub.Open(ctx); err != nil {
		return nil, fmt.Errorf("open replica stub: %w", err)
	}
	reg.MustRegister(stub.PrometheusCollectors()...)
	reg.MustRegister(kv)

	d := &daemon{config: c, log: log, stub: stub}
	if err := d.bootstrap(ctx); err != nil {
		d.closeStub()
		return nil, err
	}

	api, err := http.NewAPIHandler(log, stub, opts)
	if err != nil {
		d.closeStub()
		return nil, err
	}
	h := http.NewRootHandler("replicad",
		http.WithLog(log),
		http.WithAPIHandler(api),
		http.WithHealthHandler(http.HealthHandler(stub)),
		http.WithPprofEnabled(!c.PprofDisabled),
		http.WithMetrics(reg),
	)
	reg.MustRegister(h.PrometheusCollectors()...)

	ln, err := net.Listen("tcp", c.HTTPBindAddress)
	if err != nil {
		d.closeStub()
		return nil, fmt.Errorf("listen on %s: %w", c.HTTPBindAddress, err)
	}
	d.listener = ln
	d.server = &nethttp.Server{
		Handler:  h,
		ErrorLog: zap.NewStdLog(log.With(zap.String("service", "http"))),
	}
	return d, nil
}

// bootstrap opens the configured partitions and, in primary mode, assigns
// this node as their primary at the next ballot.
func (d *daemon) bootstrap(ctx context.Context) error {
	for i := 0; i < d.config.Partitions; i++ {
		gpid := replication.GPID{AppID: d.config.AppID, PartitionIndex: int32(i)}
		r, err := d.stub.OpenReplica(ctx, gpid, bolt.AppType)
		if err != nil {
			return err
		}
		if d.config.Bootstrap != BootstrapPrimary || r.Status() == replication.StatusPrimary {
			continue
		}
		pc := replication.PartitionConfiguration{
			GPID:                gpid,
			Ballot:              r.Configuration().Ballot + 1,
			Primary:             d.stub.Node(),
			Secondaries:         d.config.Secondaries,
			LastCommittedDecree: r.LastCommittedDecree(),
		}
		if err := r.AssignPrimary(pc); err != nil {
			return fmt.Errorf("bootstrap %s: %w", gpid, err)
		}
	}
	return nil
}

// run serves until ctx is canceled or the server fails, then shuts down the
// server and closes the stub.
func (d *daemon) run(ctx context.Context) error {
	d.log.Info("Listening", zap.String("transport", "http"), zap.String("addr", d.listener.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.server.Serve(d.listener); !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(d.config.ShutdownTimeout))
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if cerr := d.closeStub(); err == nil {
		err = cerr
	}
	d.log.Info("Stopped")
	return err
}

func (d *daemon) closeStub() error {
	if err := d.stub.Close(); err != nil {
		d.log.Error("Failed to close replica stub", zap.Error(err))
		return err
	}
	return nil
}
