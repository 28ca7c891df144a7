package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{"add_together", "counter_lifecycle", "rejections"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s := loadTestScenario(t, "counter_lifecycle")
	ctx := context.Background()

	first, err := Run(ctx, s)
	require.NoError(t, err)
	second, err := Run(ctx, s)
	require.NoError(t, err)

	a, err := Snapshot(s.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ExpectationMismatchFails(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_sum
description: the sum is not 9
steps:
  - call: add_together
    id: 1
    client: alice
    values: [4, 4]
    nonce: 1
    expect:
      value: 9
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "value = 8, want 9")
}

func TestRun_UnexpectedRejectionFails(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: missing_counter
description: incrementing a counter that was never created
steps:
  - call: increment_counter
    id: 1
    owner: nobody
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], `error = "INVALID_ARGUMENT_REFERENCE", want ""`)
}

func TestRun_SerializationDisabledAllowsOverlap(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: overlap
description: without in-flight markers the held increment lands on a stale nonce and stays pending
record_serialization: false
steps:
  - call: init_counter
    id: 1
    owner: erin
  - call: increment_counter
    id: 2
    owner: erin
    hold: true
  - call: increment_counter
    id: 3
    owner: erin
    expect:
      value: 1
  - call: deliver
    kind: increment_counter
    id: 2
    expect:
      error: STALE_NONCE
assertions:
  - type: counter
    owner: erin
    value: 1
  - type: pending
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_DeliverWithoutDispatch(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: orphan
description: nothing was dispatched
steps:
  - call: deliver
    kind: add_together
    id: 1
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s)
	assert.ErrorContains(t, err, "nothing to deliver")
}
