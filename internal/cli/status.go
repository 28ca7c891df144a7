package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/store"
)

// StatusResult is the operator view of protocol state.
type StatusResult struct {
	Health   store.Health     `json:"health"`
	Pending  []PendingSummary `json:"pending"`
	InFlight []InFlightMarker `json:"in_flight"`
}

// PendingSummary is one outstanding computation.
type PendingSummary struct {
	Kind            string `json:"kind"`
	RequestID       uint64 `json:"request_id"`
	Seq             int64  `json:"seq"`
	RequiredSigners int    `json:"required_signers"`
	Callback        string `json:"callback"`
	Digest          string `json:"digest"`
}

// InFlightMarker is a record claimed by an outstanding computation.
type InFlightMarker struct {
	Address   string `json:"address"`
	Kind      string `json:"kind"`
	RequestID uint64 `json:"request_id"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending computations and store health",
		Long: `Show outstanding computations, the records they hold in flight and
store health counters.

A non-zero orphaned marker count means a record is claimed by a computation
that is no longer pending.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
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

	result, err := collectStatus(commandContext(cmd), st)
	if err != nil {
		return err
	}

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(result)
	}

	w := cmd.OutOrStdout()
	h := result.Health
	fmt.Fprintf(w, "last seq:         %d\n", h.LastSeq)
	fmt.Fprintf(w, "pending:          %d\n", h.Pending)
	fmt.Fprintf(w, "resolutions:      %d\n", h.Resolutions)
	fmt.Fprintf(w, "orphaned markers: %d\n", h.OrphanedMarkers)
	if len(result.Pending) > 0 {
		fmt.Fprintln(w, "\nPending:")
		for _, p := range result.Pending {
			fmt.Fprintf(w, "  %-20s #%-6d seq=%-6d signers=%d callback=%s\n",
				p.Kind, p.RequestID, p.Seq, p.RequiredSigners, p.Callback)
		}
	}
	if len(result.InFlight) > 0 {
		fmt.Fprintln(w, "\nIn flight:")
		for _, m := range result.InFlight {
			fmt.Fprintf(w, "  %s  %s #%d\n", m.Address, m.Kind, m.RequestID)
		}
	}
	return nil
}

func collectStatus(ctx context.Context, st *store.Store) (StatusResult, error) {
	var result StatusResult

	h, err := st.Health(ctx)
	if err != nil {
		return result, err
	}
	result.Health = h

	pending, err := st.ReadPending(ctx)
	if err != nil {
		return result, err
	}
	result.Pending = make([]PendingSummary, len(pending))
	for i, p := range pending {
		cb := string(p.Callback.Action)
		if !p.Callback.Address.IsZero() {
			cb += " " + p.Callback.Address.String()
		}
		result.Pending[i] = PendingSummary{
			Kind:            string(p.Kind),
			RequestID:       uint64(p.RequestID),
			Seq:             p.Seq,
			RequiredSigners: p.RequiredSigners,
			Callback:        cb,
			Digest:          p.Digest.String(),
		}
	}

	markers, err := st.ReadInFlight(ctx)
	if err != nil {
		return result, err
	}
	result.InFlight = make([]InFlightMarker, len(markers))
	for i, m := range markers {
		result.InFlight[i] = InFlightMarker{
			Address:   m.Address.String(),
			Kind:      string(m.Kind),
			RequestID: uint64(m.RequestID),
		}
	}
	return result, nil
}
