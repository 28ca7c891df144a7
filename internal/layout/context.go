package layout

import (
	"fmt"

	"github.com/roach88/cipherq/internal/ir"
)

// Context names who can read a sealed value.
type Context string

const (
	// ContextNone marks a computation with no encrypted input, such as one
	// that creates fresh cluster state.
	ContextNone Context = "none"
	// ContextCluster is readable only by the executing cluster's
	// collective holders.
	ContextCluster Context = "cluster"
	// ContextShared is readable by one named outside reader, identified by
	// an x25519 public key.
	ContextShared Context = "shared"
	// ContextPlaintext is a revealed value.
	ContextPlaintext Context = "plaintext"
)

// ValidContexts lists the recognized contexts.
var ValidContexts = map[Context]bool{
	ContextNone:      true,
	ContextCluster:   true,
	ContextShared:    true,
	ContextPlaintext: true,
}

// CheckTransition reports whether a computation taking input readable in
// from may produce output readable in to. namesRecipient is true when the
// computation's arguments carry the recipient's public key.
//
// Cluster state never becomes plaintext, and only becomes shared through
// a re-encryption that names its recipient.
func CheckTransition(from, to Context, namesRecipient bool) error {
	if !ValidContexts[from] || !ValidContexts[to] || to == ContextNone {
		return fmt.Errorf("invalid context transition %s -> %s", from, to)
	}
	if from == ContextPlaintext {
		return fmt.Errorf("invalid input context %s", from)
	}
	if to == ContextShared && !namesRecipient {
		return fmt.Errorf("transition %s -> shared must name a recipient key", from)
	}
	if from == ContextCluster && to == ContextPlaintext {
		return fmt.Errorf("cluster state cannot be revealed as plaintext")
	}
	return nil
}

// CheckFreshNonce rejects an update that reuses the record's current nonce.
// It is the only nonce property observable without plaintext: uniqueness of
// a nonce under a key remains the executor's responsibility.
func CheckFreshNonce(previous, next Nonce) error {
	if previous == next {
		return &ir.Error{
			Code:    ir.CodeStaleNonce,
			Message: fmt.Sprintf("nonce %x unchanged", next[:]),
		}
	}
	return nil
}
