// Copyright 2024 The meshbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Command meshbroker runs one broker of the mesh.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/turtacn/meshbroker/pkg/actor"
	"github.com/turtacn/meshbroker/pkg/admin"
	"github.com/turtacn/meshbroker/pkg/broker"
	"github.com/turtacn/meshbroker/pkg/config"
	"github.com/turtacn/meshbroker/pkg/connector"
	"github.com/turtacn/meshbroker/pkg/discovery"
	"github.com/turtacn/meshbroker/pkg/logger"
	"github.com/turtacn/meshbroker/pkg/metrics"
	"github.com/turtacn/meshbroker/pkg/monitor"
	"github.com/turtacn/meshbroker/pkg/supervisor"
	"github.com/turtacn/meshbroker/pkg/transport"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "meshbroker [flags] <port> [peerHost:peerPort ...]",
	Short: "Run a publish/subscribe broker that meshes with its peers",
	Long: `meshbroker serves the line protocol for publishers and subscribers on
<port> and replicates its topic registry to every broker of the mesh. Each
peerHost:peerPort names a running broker to join; the rest of the mesh is
learned from there.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return err
		}
		if err := cfg.ApplyArgs(args); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		log, err := logger.New(cfg.Log)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, log)
	},
}

var defaultConfigCmd = &cobra.Command{
	Use:   "default-config <path>",
	Short: "Write the default configuration to a .yaml or .json file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveConfig(config.DefaultConfig(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file (.yaml, .yml or .json)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.AddCommand(defaultConfigCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.WithFields(logrus.Fields{"node": cfg.NodeID, "listen": cfg.Listen}).Info("Starting meshbroker")

	opts := broker.OptionsFromConfig(cfg)
	opts.Log = log

	dispatcher, err := newDispatcher(ctx, cfg, log)
	if err != nil {
		return err
	}
	if dispatcher != nil {
		opts.Observer = dispatcher
		defer dispatcher.Close()
	}

	b := broker.New(opts)
	server := transport.NewServer(b, log)
	if err := server.Start(cfg.Listen); err != nil {
		log.WithError(err).Fatal("Failed to bind listener")
	}
	b.SetListenAddr(server.Addr())
	b.Start(ctx, cfg.Peers)

	if dispatcher != nil {
		b.Supervise(supervisor.Spec{
			ID:      "exporter",
			Actor:   dispatcher,
			Restart: supervisor.RestartPermanent,
			Mailbox: dispatcher.Mailbox(),
		})
	}
	if k := cfg.Discovery.Kubernetes; k.Enabled {
		if err := superviseDiscovery(b, k, log); err != nil {
			log.WithError(err).Warn("Kubernetes discovery disabled")
		}
	}

	checker := monitor.NewHealthChecker(cfg.NodeID, log)
	checker.RegisterCheck("listener", func() error {
		if !b.Ready() {
			return errors.New("not accepting connections")
		}
		return nil
	}, true)

	g, gctx := errgroup.WithContext(ctx)
	for addr, mux := range httpMuxes(cfg, checker, b) {
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serveHTTP(gctx, srv, log) })
	}
	if cfg.GRPCHealthAddr != "" {
		g.Go(func() error { return serveGRPCHealth(gctx, cfg.GRPCHealthAddr, checker, b.Ready, log) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		server.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return b.Shutdown(sctx)
	})
	return g.Wait()
}

// newDispatcher builds the registry event exporter from the enabled sinks.
// It returns nil when no sink is enabled.
func newDispatcher(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*connector.Dispatcher, error) {
	var sinks []connector.Sink
	if cfg.Export.Redis.Enabled {
		sink, err := connector.NewRedisSink(ctx, cfg.Export.Redis)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Export.Postgres.Enabled {
		sink, err := connector.NewPostgresSink(ctx, cfg.Export.Postgres)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return connector.NewDispatcher(cfg.Export.Queue, log, sinks...)
}

func superviseDiscovery(b *broker.Broker, k config.KubernetesConfig, log logrus.FieldLogger) error {
	disc, err := discovery.NewKubeDiscovery(k.Namespace, k.Service, k.PortName)
	if err != nil {
		return err
	}
	b.Supervise(supervisor.Spec{
		ID:      "discovery",
		Actor:   discovery.NewPoller(disc, k.Interval.Std(), b.Join, log),
		Restart: supervisor.RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	})
	return nil
}

// httpMuxes groups the metrics, health and admin endpoints by listen address;
// endpoints configured on the same address share one server.
func httpMuxes(cfg *config.Config, checker *monitor.HealthChecker, b *broker.Broker) map[string]*http.ServeMux {
	muxes := make(map[string]*http.ServeMux)
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		return m
	}
	if cfg.MetricsAddr != "" {
		mux(cfg.MetricsAddr).Handle("/metrics", metrics.Handler())
	}
	if cfg.HealthAddr != "" {
		monitor.NewHealthServer(checker, b.Ready).RegisterRoutes(mux(cfg.HealthAddr))
	}
	if cfg.AdminAddr != "" {
		admin.NewAPIServer(b, b.Topics()).RegisterRoutes(mux(cfg.AdminAddr))
	}
	return muxes
}

// serveHTTP runs one optional HTTP endpoint. Its failures are logged and
// never stop the broker.
func serveHTTP(ctx context.Context, srv *http.Server, log logrus.FieldLogger) error {
	log = log.WithField("addr", srv.Addr)
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		log.WithError(err).Warn("HTTP endpoints disabled, failed to listen")
		return nil
	}
	log.WithField("addr", ln.Addr().String()).Info("HTTP endpoints listening")
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("HTTP endpoints stopped")
	}
	return nil
}

// serveGRPCHealth runs the optional gRPC health service. Like serveHTTP it
// only logs its failures.
func serveGRPCHealth(ctx context.Context, addr string, checker *monitor.HealthChecker, ready func() bool, log logrus.FieldLogger) error {
	log = log.WithField("addr", addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Warn("gRPC health service disabled, failed to listen")
		return nil
	}
	srv := grpc.NewServer()
	hs := monitor.NewGRPCHealth(checker, ready)
	hs.Register(srv)
	go hs.Run(ctx, 5*time.Second)
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	log.WithField("addr", ln.Addr().String()).Info("gRPC health service listening")
	if err := srv.Serve(ln); err != nil {
		log.WithError(err).Warn("gRPC health service stopped")
	}
	return nil
}
