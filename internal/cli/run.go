package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/config"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/mxe"
	"github.com/roach88/cipherq/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// Simulate runs the reference executor in-process against the same
	// channels.
	Simulate      bool
	ClusterSecret string // x25519 secret (hex); random when empty
	NodeSeed      string // ed25519 seed (hex); random when empty
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply executor callbacks",
		Long: `Start the callback loop.

The engine opens the database, resumes its logical clock after the last
persisted event and applies signed outputs from the executor's inbound
channel until interrupted. Rejected callbacks are logged and leave their
pending computation in place.

With --simulate the reference executor also runs in-process: it consumes
the outbound channel, computes over the encrypted values and signs with one
node key, which is registered before the loop starts.

Example:
  cipherq run --config cipherq.yaml
  cipherq run --config cipherq.yaml --simulate --cluster-secret <hex>`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Simulate, "simulate", false, "run the reference executor in-process")
	cmd.Flags().StringVar(&opts.ClusterSecret, "cluster-secret", "", "simulated cluster x25519 secret (hex)")
	cmd.Flags().StringVar(&opts.NodeSeed, "node-seed", "", "simulated node ed25519 seed (hex)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Channel.Driver != config.ChannelRedis {
		return NewExitError(ExitCommandError, "run needs the redis channel driver; use simulate for in-process runs")
	}
	opts.setupLogging(cfg.Log, cmd.ErrOrStderr())

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	env, err := openEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	env.engine.Subscribe(func(n ir.Notification) {
		slog.Info("notification",
			"id", n.ID,
			"event", n.Event,
			"kind", n.Kind,
			"request_id", n.RequestID,
			"seq", n.Seq,
		)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if opts.Simulate {
		worker, err := simulatedWorker(ctx, opts, env)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("simulated executor stopped", "error", err)
				return err
			}
			return nil
		})
	}

	slog.Info("engine started", "db", cfg.Database, "inbound", cfg.Channel.Redis.InboundKey, "simulate", opts.Simulate)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Waiting for callbacks...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	g.Go(func() error {
		defer cancel()
		return env.engine.Run(gctx, env.inbox)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

// simulatedWorker builds the reference executor and registers its node key.
func simulatedWorker(ctx context.Context, opts *RunOptions, env *environment) (*mxe.Worker, error) {
	keys, err := clusterKeys(opts.ClusterSecret)
	if err != nil {
		return nil, err
	}
	signer, err := nodeSigner(opts.NodeSeed)
	if err != nil {
		return nil, err
	}
	defs, err := env.definitions()
	if err != nil {
		return nil, err
	}

	node := store.ClusterNode{PublicKey: signer.PublicKey(), Label: signer.Label, Seq: env.engine.Clock().Next()}
	if err := env.store.AddClusterNode(ctx, node); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to register simulated node", err)
	}
	slog.Info("simulated executor ready",
		"cluster_key", hex.EncodeToString(keys.Public[:]),
		"node_key", hex.EncodeToString(node.PublicKey),
	)

	exec := mxe.NewExecutor(keys, defs, []*cluster.Signer{signer}, mxe.WithNonceSource(rand.Reader))
	return mxe.NewWorker(exec, env.executorIn, env.executorOut), nil
}

func clusterKeys(secretHex string) (mxe.KeyPair, error) {
	if secretHex == "" {
		return mxe.NewKeyPair(nil)
	}
	secret, err := parseKey32("cluster secret", secretHex)
	if err != nil {
		return mxe.KeyPair{}, err
	}
	return mxe.KeyPairFromSeed(secret)
}

func nodeSigner(seedHex string) (*cluster.Signer, error) {
	const label = "simulated"
	if seedHex == "" {
		return cluster.NewSigner(label, nil)
	}
	seed, err := parseKey32("node seed", seedHex)
	if err != nil {
		return nil, err
	}
	return cluster.NewSignerFromSeed(label, seed[:])
}
