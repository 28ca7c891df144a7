package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/config"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/program"
)

// DispatchOptions holds flags shared by the dispatch subcommands.
type DispatchOptions struct {
	*RootOptions
	RequestID uint64
	Nonce     string

	// add_together
	Ct0    string
	Ct1    string
	Pubkey string

	// counters
	Owner     string
	Counter   string
	Recipient string
}

// DispatchResult describes an accepted request.
type DispatchResult struct {
	Kind      ir.Kind      `json:"kind"`
	RequestID ir.RequestID `json:"request_id"`
	Seq       int64        `json:"seq"`
	Digest    string       `json:"digest"`
	Address   string       `json:"address,omitempty"`
}

func (r DispatchResult) String() string {
	s := fmt.Sprintf("Dispatched %s request %d (seq %d, digest %s)", r.Kind, r.RequestID, r.Seq, r.Digest)
	if r.Address != "" {
		s += "\ncounter: " + r.Address
	}
	return s
}

// NewDispatchCommand creates the dispatch command group, one subcommand per
// computation kind.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Submit a computation request",
		Long: `Submit a computation request to the executor.

The request is recorded as pending and handed to the executor over the
configured channel. Its result is applied by "cipherq run". Dispatch needs
the redis channel driver: an in-memory channel does not outlive the command.`,
	}
	cmd.PersistentFlags().Uint64Var(&opts.RequestID, "id", 0, "request id, unique among outstanding requests of the kind")
	_ = cmd.MarkPersistentFlagRequired("id")

	addTogether := &cobra.Command{
		Use:   "add-together",
		Short: "Add two sealed values; the sum is re-encrypted to --pubkey",
		Example: `  cipherq dispatch add-together --id 1 --nonce 11 \
    --ct0 <hex> --ct1 <hex> --pubkey <client-public-hex>`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, cmd, func(ctx context.Context, p *program.Program) (DispatchResult, error) {
				return dispatchAddTogether(ctx, p, opts)
			})
		},
	}
	addTogether.Flags().StringVar(&opts.Ct0, "ct0", "", "first ciphertext block (hex)")
	addTogether.Flags().StringVar(&opts.Ct1, "ct1", "", "second ciphertext block (hex)")
	addTogether.Flags().StringVar(&opts.Pubkey, "pubkey", "", "x25519 key the values were sealed with (hex)")
	addTogether.Flags().StringVar(&opts.Nonce, "nonce", "0", "nonce the values were sealed under (u128)")
	for _, f := range []string{"ct0", "ct1", "pubkey"} {
		_ = addTogether.MarkFlagRequired(f)
	}

	initCounter := &cobra.Command{
		Use:           "init-counter",
		Short:         "Create an owner's counter sealed at zero",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, cmd, func(ctx context.Context, p *program.Program) (DispatchResult, error) {
				return dispatchInitCounter(ctx, p, opts)
			})
		},
	}
	initCounter.Flags().StringVar(&opts.Owner, "owner", "", "owner public key (hex)")
	initCounter.Flags().StringVar(&opts.Nonce, "nonce", "0", "nonce of the initial encryption (u128)")
	_ = initCounter.MarkFlagRequired("owner")

	incrementCounter := &cobra.Command{
		Use:           "increment-counter",
		Short:         "Add one to a counter in place",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, cmd, func(ctx context.Context, p *program.Program) (DispatchResult, error) {
				return dispatchIncrementCounter(ctx, p, opts)
			})
		},
	}
	addCounterFlags(incrementCounter, opts)

	getCounter := &cobra.Command{
		Use:           "get-counter",
		Short:         "Re-encrypt a counter to a recipient",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, cmd, func(ctx context.Context, p *program.Program) (DispatchResult, error) {
				return dispatchGetCounter(ctx, p, opts)
			})
		},
	}
	addCounterFlags(getCounter, opts)
	getCounter.Flags().StringVar(&opts.Recipient, "recipient", "", "recipient x25519 public key (hex)")
	getCounter.Flags().StringVar(&opts.Nonce, "nonce", "0", "nonce of the re-encryption (u128)")
	_ = getCounter.MarkFlagRequired("recipient")

	cmd.AddCommand(addTogether, initCounter, incrementCounter, getCounter)
	return cmd
}

func addCounterFlags(cmd *cobra.Command, opts *DispatchOptions) {
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner public key (hex); locates the counter")
	cmd.Flags().StringVar(&opts.Counter, "counter", "", "counter address (hex); alternative to --owner")
	cmd.MarkFlagsOneRequired("owner", "counter")
	cmd.MarkFlagsMutuallyExclusive("owner", "counter")
}

type dispatchFunc func(ctx context.Context, p *program.Program) (DispatchResult, error)

func runDispatch(opts *DispatchOptions, cmd *cobra.Command, fn dispatchFunc) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Channel.Driver != config.ChannelRedis {
		return NewExitError(ExitCommandError, "dispatch needs the redis channel driver; use simulate for in-process runs")
	}
	opts.setupLogging(cfg.Log, cmd.ErrOrStderr())

	ctx := commandContext(cmd)
	env, err := openEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	result, err := fn(ctx, env.program())
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return err
	case err != nil:
		return f.ProtocolError("request rejected", err)
	}
	return f.Success(result)
}

func accepted(p ir.PendingComputation) DispatchResult {
	return DispatchResult{
		Kind:      p.Kind,
		RequestID: p.RequestID,
		Seq:       p.Seq,
		Digest:    p.Digest.String(),
	}
}

func dispatchAddTogether(ctx context.Context, p *program.Program, opts *DispatchOptions) (DispatchResult, error) {
	ct0, err := parseKey32("ct0", opts.Ct0)
	if err != nil {
		return DispatchResult{}, err
	}
	ct1, err := parseKey32("ct1", opts.Ct1)
	if err != nil {
		return DispatchResult{}, err
	}
	pubkey, err := parseKey32("pubkey", opts.Pubkey)
	if err != nil {
		return DispatchResult{}, err
	}
	nonce, err := parseNonce(opts.Nonce)
	if err != nil {
		return DispatchResult{}, err
	}
	pending, err := p.AddTogether(ctx, ir.RequestID(opts.RequestID), ct0, ct1, pubkey, nonce)
	if err != nil {
		return DispatchResult{}, err
	}
	return accepted(pending), nil
}

func dispatchInitCounter(ctx context.Context, p *program.Program, opts *DispatchOptions) (DispatchResult, error) {
	owner, err := hex.DecodeString(opts.Owner)
	if err != nil {
		return DispatchResult{}, WrapExitError(ExitCommandError, "invalid owner", err)
	}
	nonce, err := parseNonce(opts.Nonce)
	if err != nil {
		return DispatchResult{}, err
	}
	pending, addr, err := p.InitCounter(ctx, ir.RequestID(opts.RequestID), owner, nonce)
	if err != nil {
		return DispatchResult{}, err
	}
	r := accepted(pending)
	r.Address = addr.String()
	return r, nil
}

func dispatchIncrementCounter(ctx context.Context, p *program.Program, opts *DispatchOptions) (DispatchResult, error) {
	addr, err := counterAddress(opts)
	if err != nil {
		return DispatchResult{}, err
	}
	pending, err := p.IncrementCounter(ctx, ir.RequestID(opts.RequestID), addr)
	if err != nil {
		return DispatchResult{}, err
	}
	r := accepted(pending)
	r.Address = addr.String()
	return r, nil
}

func dispatchGetCounter(ctx context.Context, p *program.Program, opts *DispatchOptions) (DispatchResult, error) {
	addr, err := counterAddress(opts)
	if err != nil {
		return DispatchResult{}, err
	}
	recipient, err := parseKey32("recipient", opts.Recipient)
	if err != nil {
		return DispatchResult{}, err
	}
	nonce, err := parseNonce(opts.Nonce)
	if err != nil {
		return DispatchResult{}, err
	}
	pending, err := p.GetCounter(ctx, ir.RequestID(opts.RequestID), addr, recipient, nonce)
	if err != nil {
		return DispatchResult{}, err
	}
	r := accepted(pending)
	r.Address = addr.String()
	return r, nil
}

func counterAddress(opts *DispatchOptions) (ir.Address, error) {
	if opts.Counter != "" {
		addr, err := ir.ParseAddress(opts.Counter)
		if err != nil {
			return addr, WrapExitError(ExitCommandError, "invalid counter address", err)
		}
		return addr, nil
	}
	owner, err := hex.DecodeString(opts.Owner)
	if err != nil {
		return ir.Address{}, WrapExitError(ExitCommandError, "invalid owner", err)
	}
	return program.CounterAddress(owner), nil
}

func parseNonce(s string) (ir.U128, error) {
	n, err := ir.ParseU128(s)
	if err != nil {
		return n, WrapExitError(ExitCommandError, "invalid nonce", err)
	}
	return n, nil
}
