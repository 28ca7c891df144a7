package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_TestdataFiles(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		s, err := LoadScenario(f)
		require.NoError(t, err, f)
		assert.NotEmpty(t, s.Steps, f)
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestLoadScenario_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: s
description: d
nodes: 3
required_signers: 2
steps:
  - call: get_counter
    id: 7
    owner: alice
    recipient: bob
    nonce: 9
    signatures: 1
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Nodes)
	assert.Equal(t, 2, s.RequiredSigners)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, uint64(9), s.Steps[0].Nonce)
	require.NotNil(t, s.Steps[0].Signatures)
	assert.Equal(t, 1, *s.Steps[0].Signatures)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{"unknown field", "name: a\ndescription: b\nstep: []", "field step not found"},
		{"no name", "description: b\nsteps: [{call: init_counter, id: 1, owner: a}]", "name is required"},
		{"no description", "name: a\nsteps: [{call: init_counter, id: 1, owner: a}]", "description is required"},
		{"no steps", "name: a\ndescription: b", "steps list is required"},
		{"no id", "name: a\ndescription: b\nsteps: [{call: init_counter, owner: a}]", "id is required"},
		{"unknown call", "name: a\ndescription: b\nsteps: [{call: multiply, id: 1}]", `unknown call "multiply"`},
		{"one value", "name: a\ndescription: b\nsteps: [{call: add_together, id: 1, client: c, values: [1]}]", "exactly 2 values"},
		{"no client", "name: a\ndescription: b\nsteps: [{call: add_together, id: 1, values: [1, 2]}]", "client is required"},
		{"no recipient", "name: a\ndescription: b\nsteps: [{call: get_counter, id: 1, owner: a}]", "owner and recipient"},
		{"deliver without kind", "name: a\ndescription: b\nsteps: [{call: deliver, id: 1}]", "kind is required"},
		{"held abort", "name: a\ndescription: b\nsteps: [{call: init_counter, id: 1, owner: a, hold: true, abort: true}]", "held step"},
		{"bad outcome", "name: a\ndescription: b\nsteps: [{call: init_counter, id: 1, owner: a, expect: {outcome: done}}]", "expect.outcome"},
		{"bad assertion", "name: a\ndescription: b\nsteps: [{call: init_counter, id: 1, owner: a}]\nassertions: [{type: final_state}]", `unknown assertion type "final_state"`},
		{"counter without value", "name: a\ndescription: b\nsteps: [{call: init_counter, id: 1, owner: a}]\nassertions: [{type: counter, owner: a}]", "value is required"},
		{"trace_count without stage", "name: a\ndescription: b\nsteps: [{call: init_counter, id: 1, owner: a}]\nassertions: [{type: trace_count, count: 1}]", "stage is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
