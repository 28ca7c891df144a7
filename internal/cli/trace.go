package cli

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/mxe"
	"github.com/roach88/cipherq/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Kind      string
	RequestID uint64
	After     int64

	// Secret and Cluster open notifications addressed to the client.
	Secret  string
	Cluster string
}

// TraceEntry is one event in the timeline.
type TraceEntry struct {
	Seq       int64    `json:"seq"`
	Type      string   `json:"type"` // "resolution" or "notification"
	Kind      string   `json:"kind"`
	RequestID uint64   `json:"request_id"`
	Outcome   string   `json:"outcome,omitempty"`
	ID        string   `json:"id,omitempty"`
	Event     string   `json:"event,omitempty"`
	Audience  string   `json:"audience,omitempty"`
	Values    []string `json:"values,omitempty"`
}

// TraceResult holds the timeline.
type TraceResult struct {
	Timeline []TraceEntry `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats summarizes the timeline.
type TraceStats struct {
	Resolutions   int `json:"resolutions"`
	Notifications int `json:"notifications"`
	Opened        int `json:"opened"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show resolved computations and notifications",
		Long: `Show the resolution log and notifications in seq order.

With --secret and --cluster, notifications addressed to that client key are
decrypted; plaintext notifications are always shown with their values.

Examples:
  cipherq trace
  cipherq trace --kind get_counter --request 3
  cipherq trace --after 120 --secret <client-secret> --cluster <cluster-pub>`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only this computation kind")
	cmd.Flags().Uint64Var(&opts.RequestID, "request", 0, "only this request id (with --kind)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events after this seq")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "client x25519 secret key (hex)")
	cmd.Flags().StringVar(&opts.Cluster, "cluster", "", "cluster x25519 public key (hex)")
	cmd.MarkFlagsRequiredTogether("secret", "cluster")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	if cmd.Flags().Changed("request") && opts.Kind == "" {
		return NewExitError(ExitCommandError, "--request needs --kind")
	}
	var client *mxe.Client
	if opts.Secret != "" {
		var err error
		if client, err = newClient(opts.Secret, opts.Cluster); err != nil {
			return err
		}
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

	ctx := commandContext(cmd)
	resolutions, err := st.ReadResolutions(ctx)
	if err != nil {
		return err
	}
	notifications, err := st.ReadNotifications(ctx, opts.After)
	if err != nil {
		return err
	}

	result := buildTrace(opts, client, resolutions, notifications)

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(result)
	}

	w := cmd.OutOrStdout()
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "No events.")
		return nil
	}
	for _, e := range result.Timeline {
		switch e.Type {
		case "resolution":
			fmt.Fprintf(w, "[%d] resolved %s #%d: %s\n", e.Seq, e.Kind, e.RequestID, e.Outcome)
		default:
			fmt.Fprintf(w, "[%d] %s from %s #%d", e.Seq, e.Event, e.Kind, e.RequestID)
			if len(e.Values) > 0 {
				fmt.Fprintf(w, " = %s", strings.Join(e.Values, ", "))
			}
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintf(w, "\n%d resolution(s), %d notification(s), %d opened\n",
		result.Stats.Resolutions, result.Stats.Notifications, result.Stats.Opened)
	return nil
}

func buildTrace(opts *TraceOptions, client *mxe.Client, resolutions []store.Resolution, notifications []ir.Notification) TraceResult {
	match := func(kind ir.Kind, id ir.RequestID) bool {
		if opts.Kind != "" && string(kind) != opts.Kind {
			return false
		}
		if opts.Kind != "" && opts.RequestID != 0 && uint64(id) != opts.RequestID {
			return false
		}
		return true
	}

	result := TraceResult{Timeline: []TraceEntry{}}
	for _, r := range resolutions {
		if r.Seq <= opts.After || !match(r.Kind, r.RequestID) {
			continue
		}
		result.Timeline = append(result.Timeline, TraceEntry{
			Seq:       r.Seq,
			Type:      "resolution",
			Kind:      string(r.Kind),
			RequestID: uint64(r.RequestID),
			Outcome:   string(r.Outcome),
		})
		result.Stats.Resolutions++
	}

	for _, n := range notifications {
		if !match(n.Kind, n.RequestID) {
			continue
		}
		e := TraceEntry{
			Seq:       n.Seq,
			Type:      "notification",
			Kind:      string(n.Kind),
			RequestID: uint64(n.RequestID),
			ID:        n.ID,
			Event:     n.Event,
		}
		if len(n.AudienceKey) > 0 {
			e.Audience = hex.EncodeToString(n.AudienceKey)
		}
		for _, v := range n.Scalars {
			e.Values = append(e.Values, v.String())
		}
		if client != nil && bytes.Equal(n.AudienceKey, client.Keys.Public[:]) {
			if values, err := client.OpenNotification(n); err == nil {
				for _, v := range values {
					e.Values = append(e.Values, v.String())
				}
				result.Stats.Opened++
			}
		}
		result.Timeline = append(result.Timeline, e)
		result.Stats.Notifications++
	}

	sort.SliceStable(result.Timeline, func(i, j int) bool {
		return result.Timeline[i].Seq < result.Timeline[j].Seq
	})
	return result
}
