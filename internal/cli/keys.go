package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
	"github.com/roach88/cipherq/internal/mxe"
)

// Key types produced by keygen.
const (
	KeyTypeX25519  = "x25519"
	KeyTypeEd25519 = "ed25519"
)

// KeyOutput is a generated key pair, hex encoded.
type KeyOutput struct {
	Type   string `json:"type"`
	Secret string `json:"secret"`
	Public string `json:"public"`
}

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Type string

	// Rand overrides the randomness source (for testing).
	Rand io.Reader
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a client or node key pair",
		Long: `Generate a key pair.

x25519 keys identify clients: values sealed with them can be read by the
cluster, and results re-encrypted to them are opened by "cipherq trace
--secret". ed25519 keys are node signing keys; register the public half
with "cipherq node add".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}
	cmd.Flags().StringVarP(&opts.Type, "type", "t", KeyTypeX25519, "key type (x25519|ed25519)")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}

	var out KeyOutput
	switch opts.Type {
	case KeyTypeX25519:
		kp, err := mxe.NewKeyPair(r)
		if err != nil {
			return err
		}
		out = KeyOutput{Type: opts.Type, Secret: hex.EncodeToString(kp.Private[:]), Public: hex.EncodeToString(kp.Public[:])}
	case KeyTypeEd25519:
		seed := make([]byte, 32)
		if _, err := io.ReadFull(r, seed); err != nil {
			return fmt.Errorf("generate seed: %w", err)
		}
		s, err := cluster.NewSignerFromSeed("", seed)
		if err != nil {
			return err
		}
		out = KeyOutput{Type: opts.Type, Secret: hex.EncodeToString(seed), Public: hex.EncodeToString(s.PublicKey())}
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown key type %q: must be %s or %s", opts.Type, KeyTypeX25519, KeyTypeEd25519))
	}

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(out)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "type:   %s\nsecret: %s\npublic: %s\n", out.Type, out.Secret, out.Public)
	return nil
}

// SealOptions holds flags for the seal command.
type SealOptions struct {
	*RootOptions
	Secret  string
	Cluster string
	Nonce   string
}

// SealOutput is the sealed form of a list of values.
type SealOutput struct {
	Public      string   `json:"public"`
	Nonce       string   `json:"nonce"`
	Ciphertexts []string `json:"ciphertexts"`
}

// NewSealCommand creates the seal command.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SealOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seal <value>...",
		Short: "Encrypt values for the cluster",
		Long: `Encrypt u128 values under the secret shared between a client key and the
cluster key, producing ciphertext arguments for dispatch.

Example:
  cipherq seal --secret $CLIENT_SECRET --cluster $CLUSTER_PUB --nonce 11 3 4`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(opts, args, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "client x25519 secret key (hex)")
	cmd.Flags().StringVar(&opts.Cluster, "cluster", "", "cluster x25519 public key (hex)")
	cmd.Flags().StringVar(&opts.Nonce, "nonce", "0", "encryption nonce (u128)")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("cluster")

	return cmd
}

func runSeal(opts *SealOptions, args []string, cmd *cobra.Command) error {
	client, err := newClient(opts.Secret, opts.Cluster)
	if err != nil {
		return err
	}
	nonce, err := ir.ParseU128(opts.Nonce)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid nonce", err)
	}
	values := make([]ir.U128, len(args))
	for i, a := range args {
		if values[i], err = ir.ParseU128(a); err != nil {
			return WrapExitError(ExitCommandError, "invalid value", err)
		}
	}

	blocks, err := client.Seal(layout.NonceFromU128(nonce), values...)
	if err != nil {
		return err
	}
	out := SealOutput{
		Public:      hex.EncodeToString(client.Keys.Public[:]),
		Nonce:       nonce.String(),
		Ciphertexts: make([]string, len(blocks)),
	}
	for i, b := range blocks {
		out.Ciphertexts[i] = hex.EncodeToString(b[:])
	}

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(out)
	}
	for _, ct := range out.Ciphertexts {
		fmt.Fprintln(cmd.OutOrStdout(), ct)
	}
	return nil
}

// newClient builds a client from hex key material.
func newClient(secretHex, clusterHex string) (*mxe.Client, error) {
	secret, err := parseKey32("secret", secretHex)
	if err != nil {
		return nil, err
	}
	clusterKey, err := parseKey32("cluster", clusterHex)
	if err != nil {
		return nil, err
	}
	kp, err := mxe.KeyPairFromSeed(secret)
	if err != nil {
		return nil, err
	}
	return mxe.NewClient(kp, clusterKey), nil
}

func parseKey32(name, s string) ([32]byte, error) {
	var k [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, WrapExitError(ExitCommandError, "invalid "+name+" key", err)
	}
	if len(raw) != len(k) {
		return k, NewExitError(ExitCommandError, fmt.Sprintf("invalid %s key: %d bytes, want %d", name, len(raw), len(k)))
	}
	copy(k[:], raw)
	return k, nil
}
