package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cipherq/internal/channel"
	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/engine"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
	"github.com/roach88/cipherq/internal/mxe"
	"github.com/roach88/cipherq/internal/program"
	"github.com/roach88/cipherq/internal/store"
	"github.com/roach88/cipherq/internal/testutil"
)

// execute runs cmd with args and returns its combined output.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// seeded is a database holding one applied add_together (3 + 4 sealed by
// alice) and one pending init_counter.
type seeded struct {
	path    string
	cluster mxe.KeyPair
	alice   mxe.KeyPair
}

func seedDatabase(t *testing.T) seeded {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cipherq.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	defs, err := compdef.Defaults()
	require.NoError(t, err)
	for i, d := range defs {
		require.NoError(t, st.RegisterDefinition(ctx, d, int64(i+1)))
	}
	signer, err := cluster.NewSigner("node-1", testutil.NewReader("node-1"))
	require.NoError(t, err)
	require.NoError(t, st.AddClusterNode(ctx, store.ClusterNode{
		PublicKey: signer.PublicKey(),
		Label:     signer.Label,
		Seq:       int64(len(defs) + 1),
	}))

	out := channel.NewQueue[ir.Outbound]()
	eng := engine.New(st, out)
	_, err = eng.Recover(ctx)
	require.NoError(t, err)
	prog := program.New(eng, st, 1)

	clusterKeys, err := mxe.NewKeyPair(testutil.NewReader("cluster"))
	require.NoError(t, err)
	alice, err := mxe.NewKeyPair(testutil.NewReader("alice"))
	require.NoError(t, err)

	blocks, err := mxe.NewClient(alice, clusterKeys.Public).Seal(layout.NonceFromU128(ir.NewU128(10)), ir.NewU128(3), ir.NewU128(4))
	require.NoError(t, err)
	_, err = prog.AddTogether(ctx, 1, blocks[0], blocks[1], alice.Public, ir.NewU128(10))
	require.NoError(t, err)

	msg, ok := out.TryReceive()
	require.True(t, ok)
	exec := mxe.NewExecutor(clusterKeys, defs, []*cluster.Signer{signer})
	_, err = eng.HandleCallback(ctx, exec.Execute(msg))
	require.NoError(t, err)

	_, _, err = prog.InitCounter(ctx, 2, []byte("bob"), ir.NewU128(1))
	require.NoError(t, err)

	return seeded{path: path, cluster: clusterKeys, alice: alice}
}

func hexKey(k [32]byte) string {
	return hex.EncodeToString(k[:])
}
