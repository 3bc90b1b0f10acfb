// Command sync-sim runs a leader and a set of followers in one process over
// in-memory connections, mutates resources on every node and reports how long
// the cluster takes to converge after each round.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/23skdu/raysync/internal/component/resource"
	"github.com/23skdu/raysync/internal/logging"
	"github.com/23skdu/raysync/internal/resilience"
	"github.com/23skdu/raysync/internal/syncer"
)

const leaderTarget = "passthrough:///sim-leader"

type simConfig struct {
	Followers int
	Rounds    int
	Seed      uint64
	Timeout   time.Duration
}

type roundResult struct {
	Round     int
	Changed   int
	Converged time.Duration
}

type simNode struct {
	id     string
	syncer *syncer.Syncer
	local  *resource.Local
	remote *resource.Remote
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := simConfig{}
	var logLevel string

	cmd := &cobra.Command{
		Use:           "sync-sim",
		Short:         "simulate a star cluster and measure convergence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Followers < 1 || cfg.Rounds < 1 {
				return fmt.Errorf("followers and rounds must be positive")
			}
			logCfg := logging.DefaultConfig()
			logCfg.Format = "console"
			logCfg.Level = logLevel
			logCfg.Output = cmd.ErrOrStderr()
			logger, err := logging.NewLogger(logCfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, err := simulate(ctx, cfg, logger)
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), cfg, results)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&cfg.Followers, "followers", 8, "number of follower nodes")
	flags.IntVar(&cfg.Rounds, "rounds", 10, "number of mutation rounds")
	flags.Uint64Var(&cfg.Seed, "seed", 1, "random seed for resource mutations")
	flags.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "maximum wait for one round to converge")
	flags.StringVar(&logLevel, "log-level", "warn", "log level")
	return cmd
}

func simulate(ctx context.Context, cfg simConfig, logger zerolog.Logger) ([]roundResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lis := bufconn.Listen(1 << 20)
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}

	nodes := make([]*simNode, 0, cfg.Followers+1)
	for i := 0; i <= cfg.Followers; i++ {
		id := fmt.Sprintf("node-%02d", i)
		if i == 0 {
			id = "leader"
		}
		n, err := newSimNode(ctx, id, logger, dialOpts)
		if err != nil {
			return nil, err
		}
		defer n.syncer.Stop()
		nodes = append(nodes, n)
	}
	leader := nodes[0]

	srv := grpc.NewServer()
	syncer.RegisterSyncServiceServer(srv, leader.syncer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})

	var results []roundResult
	g.Go(func() error {
		defer srv.Stop()
		defer cancel()
		for _, n := range nodes[1:] {
			if err := n.syncer.ConnectToLeader(gctx, leaderTarget); err != nil {
				return err
			}
		}
		if _, err := waitConverged(gctx, nodes, cfg.Timeout); err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}

		rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
		for round := 1; round <= cfg.Rounds; round++ {
			changed := 0
			for _, n := range nodes {
				if n.local.SetAvailable("CPU", float64(rng.IntN(5))) {
					changed++
				}
				n.syncer.Snapshot()
			}
			took, err := waitConverged(gctx, nodes, cfg.Timeout)
			if err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			logger.Info().Int("round", round).Int("changed", changed).Dur("took", took).Msg("Round converged")
			results = append(results, roundResult{Round: round, Changed: changed, Converged: took})
		}
		logger.Info().Interface("available", leader.remote.ClusterAvailable()).Msg("Remote resources seen by the leader")
		return nil
	})

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func newSimNode(ctx context.Context, id string, logger zerolog.Logger, dialOpts []grpc.DialOption) (*simNode, error) {
	nodeLogger := logger.With().Str("node_id", id).Logger()
	s := syncer.New(id,
		syncer.WithLogger(nodeLogger),
		syncer.WithReconnectStrategy(resilience.ConstantBackoff{Delay: 20 * time.Millisecond}),
		syncer.WithDialOptions(dialOpts...),
	)
	local := resource.NewLocal(id, map[string]float64{"CPU": 4, "memory": 8}, nodeLogger)
	remote := resource.NewRemote(nodeLogger)
	if err := s.Register(syncer.ResourceManager, local, remote); err != nil {
		return nil, err
	}
	s.Start(ctx)
	s.Snapshot()
	return &simNode{id: id, syncer: s, local: local, remote: remote}, nil
}

// waitConverged polls until every node's view holds every node's latest
// resource version.
func waitConverged(ctx context.Context, nodes []*simNode, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := converged(ctx, nodes)
		if err != nil {
			return 0, err
		}
		if ok {
			return time.Since(start), nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("cluster did not converge within %s: %w", timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func converged(ctx context.Context, nodes []*simNode) (bool, error) {
	for _, n := range nodes {
		view, err := n.syncer.ClusterView(ctx)
		if err != nil {
			return false, err
		}
		for _, other := range nodes {
			m := view[other.id][syncer.ResourceManager]
			if m == nil || m.Version != other.local.Version() {
				return false, nil
			}
		}
	}
	return true, nil
}

func report(w io.Writer, cfg simConfig, results []roundResult) {
	fmt.Fprintf(w, "Cluster: 1 leader, %d followers\n", cfg.Followers)
	var total, worst time.Duration
	for _, r := range results {
		fmt.Fprintf(w, "round %3d: %2d changed, converged in %s\n", r.Round, r.Changed, r.Converged)
		total += r.Converged
		if r.Converged > worst {
			worst = r.Converged
		}
	}
	if len(results) > 0 {
		fmt.Fprintf(w, "\nMean convergence: %s\n", total/time.Duration(len(results)))
		fmt.Fprintf(w, "Worst convergence: %s\n", worst)
	}
}
