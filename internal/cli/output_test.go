package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cipherq/internal/ir"
)

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open database", cause)

	assert.Equal(t, "failed to open database: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, "no scenarios", NewExitError(ExitFailure, "no scenarios").Error())
}

func TestOutputFormatter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(map[string]int{"pending": 2}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"pending": float64(2)}, resp.Data)
}

func TestOutputFormatter_ProtocolError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	perr := ir.NewError(ir.CodeRecordInFlight, "record is claimed")
	perr.Details = map[string]string{"address": "ab"}

	err := f.ProtocolError("request rejected", perr)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, ir.ErrRecordInFlight)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RECORD_IN_FLIGHT", resp.Error.Code)
	assert.Equal(t, "caller_input", resp.Error.Category)
	assert.Equal(t, "record is claimed", resp.Error.Message)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, f.Error(ErrCodeValidation, "bad definition", "offset"))
	assert.Equal(t, "Error [E002]: bad definition\nDetails: offset\n", buf.String())

	buf.Reset()
	err := f.ProtocolError("request rejected", errors.New("boom"))
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "Error [E001]: boom\n", buf.String())
}

func TestOutputFormatter_VerboseToErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	diag := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	f.VerboseLog("compiled %d", 4)
	assert.Empty(t, out.String())
	assert.Equal(t, "compiled 4\n", diag.String())

	f.Verbose = false
	f.VerboseLog("hidden")
	assert.Equal(t, "compiled 4\n", diag.String())
}
