package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeTrace(t *testing.T, out string) TraceResult {
	t.Helper()
	var resp struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	return resp.Data
}

func TestTrace_Timeline(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json", Database: db.path}))
	require.NoError(t, err)
	trace := decodeTrace(t, out)

	assert.Equal(t, 1, trace.Stats.Resolutions)
	assert.Equal(t, 1, trace.Stats.Notifications)
	assert.Equal(t, 0, trace.Stats.Opened)
	require.Len(t, trace.Timeline, 2)
	assert.Equal(t, "resolution", trace.Timeline[0].Type)
	assert.Equal(t, "applied", trace.Timeline[0].Outcome)
	assert.Equal(t, "notification", trace.Timeline[1].Type)
	assert.Equal(t, "SumEvent", trace.Timeline[1].Event)
	assert.Equal(t, hexKey(db.alice.Public), trace.Timeline[1].Audience)
	assert.Empty(t, trace.Timeline[1].Values, "sealed values need the client key")
}

func TestTrace_OpensClientNotifications(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json", Database: db.path}),
		"--secret", hexKey(db.alice.Private), "--cluster", hexKey(db.cluster.Public))
	require.NoError(t, err)
	trace := decodeTrace(t, out)

	assert.Equal(t, 1, trace.Stats.Opened)
	require.Len(t, trace.Timeline, 2)
	assert.Equal(t, []string{"7"}, trace.Timeline[1].Values)
}

func TestTrace_Filters(t *testing.T) {
	db := seedDatabase(t)
	opts := &RootOptions{Format: "json", Database: db.path}

	out, err := execute(t, NewTraceCommand(opts), "--kind", "get_counter")
	require.NoError(t, err)
	assert.Empty(t, decodeTrace(t, out).Timeline)

	out, err = execute(t, NewTraceCommand(opts), "--kind", "add_together", "--request", "1")
	require.NoError(t, err)
	assert.Len(t, decodeTrace(t, out).Timeline, 2)

	_, err = execute(t, NewTraceCommand(opts), "--request", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTrace_Text(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text", Database: db.path}),
		"--secret", hexKey(db.alice.Private), "--cluster", hexKey(db.cluster.Public))
	require.NoError(t, err)
	assert.Contains(t, out, "resolved add_together #1: applied")
	assert.Contains(t, out, "SumEvent from add_together #1 = 7")
}
