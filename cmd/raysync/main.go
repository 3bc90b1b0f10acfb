// Command raysync runs one node of a star-topology state sync cluster. A node
// without a leader address is the leader; every other node follows it.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/raysync/internal/component/resource"
	"github.com/23skdu/raysync/internal/health"
	"github.com/23skdu/raysync/internal/limiter"
	"github.com/23skdu/raysync/internal/logging"
	"github.com/23skdu/raysync/internal/syncer"
	"github.com/23skdu/raysync/internal/telemetry"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		envFile     string
		nodeID      string
		listenAddr  string
		leaderAddr  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:           "raysync",
		Short:         "run a cluster state sync node",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(envFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("node-id") {
				cfg.NodeID = nodeID
			}
			if flags.Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if flags.Changed("leader") {
				cfg.LeaderAddr = leaderAddr
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddr = metricsAddr
			}
			if err := ValidateConfig(&cfg); err != nil {
				fmt.Fprintln(os.Stderr, "invalid configuration:", err)
				return err
			}

			logCfg := logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: os.Stdout}
			logger, err := logging.NewLogger(logCfg)
			if err != nil {
				return err
			}
			logger = logger.With().Str("node_id", cfg.NodeID).Logger()
			grpcLogger, err := logging.NewGRPCLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: os.Stderr})
			if err != nil {
				return err
			}
			logging.InstallGRPCLogger(grpcLogger)
			defer func() { _ = grpcLogger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.InitTracerProvider(ctx, cfg.TelemetryConfig())
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Warn().Err(err).Msg("Failed to flush traces")
				}
			}()

			lis, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				logger.Error().Err(err).Str("address", cfg.ListenAddr).Msg("Failed to listen")
				return err
			}
			metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				_ = lis.Close()
				logger.Error().Err(err).Str("address", cfg.MetricsAddr).Msg("Failed to listen")
				return err
			}

			if err := run(ctx, &cfg, logger, grpcLogger, lis, metricsLis); err != nil {
				logger.Error().Err(err).Msg("Node exited with error")
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", ".env", "optional file of RAYSYNC_* variables")
	flags.StringVar(&nodeID, "node-id", "", "node identity (overrides RAYSYNC_NODE_ID)")
	flags.StringVar(&listenAddr, "listen", "", "sync service address (overrides RAYSYNC_LISTEN_ADDR)")
	flags.StringVar(&leaderAddr, "leader", "", "leader address; empty makes this node the leader (overrides RAYSYNC_LEADER_ADDR)")
	flags.StringVar(&metricsAddr, "metrics", "", "metrics and health address (overrides RAYSYNC_METRICS_ADDR)")
	return cmd
}

// run serves the node on the given listeners until ctx ends.
func run(ctx context.Context, cfg *Config, logger zerolog.Logger, grpcLogger *zap.Logger, lis, metricsLis net.Listener) error {
	logger.Info().Str("version", version).Stringer("config", cfg).Msg("Starting raysync node")

	s := syncer.New(cfg.NodeID,
		syncer.WithLogger(logger),
		syncer.WithReconnectStrategy(BuildReconnectStrategy(cfg)),
		syncer.WithDialOptions(cfg.BuildGRPCDialOptions()...),
	)
	local := resource.NewLocal(cfg.NodeID, cfg.Resources, logger)
	remote := resource.NewRemote(logger)
	if err := s.Register(syncer.ResourceManager, local, remote); err != nil {
		return err
	}

	tracer := telemetry.Tracer("github.com/23skdu/raysync/internal/health")
	hm := health.NewHealthManager(version, logger, tracer, syncer.ServiceName)
	hm.RegisterChecker(health.NewSyncerChecker(s, 2*time.Second, logger, tracer))
	hm.RegisterChecker(health.NewLeaderLinkChecker(s, cfg.LeaderAddr, tracer))

	grpcServer := grpc.NewServer(cfg.BuildGRPCServerOptions(limiter.NewSessionLimiter(cfg.Config, syncer.StartSyncMethod), grpcLogger)...)
	syncer.RegisterSyncServiceServer(grpcServer, s)
	healthpb.RegisterHealthServer(grpcServer, hm.GRPCServer())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, hm.GetRegistry()},
		promhttp.HandlerOpts{},
	))
	mux.Handle("/healthz", hm.HTTPHandler())
	mux.Handle("/cluster", clusterHandler(s, local, remote))
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("address", lis.Addr().String()).Msg("Sync service listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("address", metricsLis.Addr().String()).Msg("Metrics server listening")
		if err := httpServer.Serve(metricsLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.RunSnapshots(gctx, cfg.SnapshotInterval)
		return nil
	})
	g.Go(func() error {
		hm.Watch(gctx, clockwork.NewRealClock(), cfg.HealthInterval)
		return nil
	})
	if cfg.DriftInterval > 0 {
		g.Go(func() error {
			local.Drift(gctx, clockwork.NewRealClock(), cfg.DriftInterval, cfg.DriftProbability, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
			return nil
		})
	}
	if cfg.LeaderAddr != "" {
		g.Go(func() error {
			if err := s.ConnectToLeader(gctx, cfg.LeaderAddr); err != nil {
				return fmt.Errorf("connect to leader %s: %w", cfg.LeaderAddr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		// Sessions end first so that GracefulStop is not held by them.
		s.Stop()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.ShutdownTimeout):
			grpcServer.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type clusterNode struct {
	Version   uint64             `json:"version"`
	Available map[string]float64 `json:"available,omitempty"`
	Total     map[string]float64 `json:"total,omitempty"`
}

type clusterResponse struct {
	NodeID    string                 `json:"node_id"`
	Leader    string                 `json:"leader,omitempty"`
	Followers []string               `json:"followers"`
	Nodes     map[string]clusterNode `json:"nodes"`
}

// clusterHandler serves this node's view of the cluster's resources.
func clusterHandler(s *syncer.Syncer, local *resource.Local, remote *resource.Remote) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view, err := s.ClusterView(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		followers, err := s.Followers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		leader, _, _ := s.Leader(r.Context())

		resp := clusterResponse{
			NodeID:    s.NodeID(),
			Leader:    leader,
			Followers: followers,
			Nodes:     make(map[string]clusterNode, len(view)),
		}
		for id, slots := range view {
			m := slots[syncer.ResourceManager]
			if m == nil {
				continue
			}
			node := clusterNode{Version: m.Version}
			if id == s.NodeID() {
				state := local.State()
				node.Available, node.Total = state.Available, state.Total
			} else if n, ok := remote.Node(id); ok {
				node.Available, node.Total = n.State.Available, n.State.Total
			}
			resp.Nodes[id] = node
		}

		w.Header().Set("Content-Type", "application/json")
		if err := gojson.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, "Failed to encode cluster view", http.StatusInternalServerError)
		}
	})
}
