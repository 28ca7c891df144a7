package cli

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cipherq/internal/cluster"
	"github.com/roach88/cipherq/internal/testutil"
)

func TestNode_AddListRemove(t *testing.T) {
	opts := &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "cipherq.db")}
	signer, err := cluster.NewSigner("node-a", testutil.NewReader("node-a"))
	require.NoError(t, err)
	key := hex.EncodeToString(signer.PublicKey())

	out, err := execute(t, NewNodeCommand(opts), "add", "node-a", key)
	require.NoError(t, err)
	assert.Contains(t, out, "Added node node-a")

	out, err = execute(t, NewNodeCommand(opts), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "node-a")
	assert.Contains(t, out, key)

	out, err = execute(t, NewNodeCommand(opts), "remove", key)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed node")

	out, err = execute(t, NewNodeCommand(opts), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No nodes registered.")

	_, err = execute(t, NewNodeCommand(opts), "remove", key)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestNode_InvalidKey(t *testing.T) {
	opts := &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "cipherq.db")}

	for _, key := range []string{"zz", "abcd"} {
		_, err := execute(t, NewNodeCommand(opts), "add", "bad", key)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err), key)
	}
}
