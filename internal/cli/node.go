package cli

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/store"
)

// NewNodeCommand creates the node command group managing the cluster keys
// callback signatures are verified against.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage registered cluster node keys",
	}

	add := &cobra.Command{
		Use:   "add <label> <public-key-hex>",
		Short: "Register a node's ed25519 verification key",
		Example: `  cipherq node add node-1 3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeAdd(rootOpts, args[0], args[1], cmd)
		},
	}

	remove := &cobra.Command{
		Use:           "remove <public-key-hex>",
		Short:         "Remove a node key",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeRemove(rootOpts, args[0], cmd)
		},
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List registered node keys",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeList(rootOpts, cmd)
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func parsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid public key", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("invalid public key: %d bytes, want %d", len(raw), ed25519.PublicKeySize))
	}
	return ed25519.PublicKey(raw), nil
}

func runNodeAdd(opts *RootOptions, label, keyHex string, cmd *cobra.Command) error {
	pub, err := parsePublicKey(keyHex)
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.setupLogging(cfg.Log, cmd.ErrOrStderr())

	ctx := commandContext(cmd)
	env, err := openEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	node := store.ClusterNode{PublicKey: pub, Label: label, Seq: env.engine.Clock().Next()}
	if err := env.store.AddClusterNode(ctx, node); err != nil {
		return WrapExitError(ExitFailure, "failed to add node", err)
	}

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(node)
	}
	return f.Success(fmt.Sprintf("Added node %s (%s)", label, keyHex))
}

func runNodeRemove(opts *RootOptions, keyHex string, cmd *cobra.Command) error {
	pub, err := parsePublicKey(keyHex)
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.setupLogging(cfg.Log, cmd.ErrOrStderr())

	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if err := st.RemoveClusterNode(commandContext(cmd), pub); err != nil {
		return WrapExitError(ExitFailure, "failed to remove node", err)
	}
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(map[string]string{"removed": keyHex})
	}
	return f.Success(fmt.Sprintf("Removed node %s", keyHex))
}

func runNodeList(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.setupLogging(cfg.Log, cmd.ErrOrStderr())

	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	nodes, err := st.ClusterNodes(commandContext(cmd))
	if err != nil {
		return err
	}

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(nodes)
	}
	w := cmd.OutOrStdout()
	if len(nodes) == 0 {
		fmt.Fprintln(w, "No nodes registered.")
		return nil
	}
	for _, n := range nodes {
		fmt.Fprintf(w, "%-16s %s seq=%d\n", n.Label, hex.EncodeToString(n.PublicKey), n.Seq)
	}
	return nil
}
