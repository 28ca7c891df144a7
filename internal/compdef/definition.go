package compdef

import (
	"fmt"
	"strings"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
)

// Shape is the byte shape of a computation's output.
type Shape string

const (
	// ShapeMxe is nonce[16] || block[32] × N, readable by the cluster only.
	ShapeMxe Shape = "mxe"
	// ShapeShared is key[32] || nonce[16] || block[32] × N, readable by the
	// holder of the named x25519 key.
	ShapeShared Shape = "shared"
	// ShapePlaintext is u128 × N, little-endian.
	ShapePlaintext Shape = "plaintext"
)

// Context returns the audience context the shape produces.
func (s Shape) Context() layout.Context {
	switch s {
	case ShapeMxe:
		return layout.ContextCluster
	case ShapeShared:
		return layout.ContextShared
	case ShapePlaintext:
		return layout.ContextPlaintext
	default:
		return ""
	}
}

// Output declares a definition's output.
type Output struct {
	Shape  Shape `json:"shape"`
	Blocks int   `json:"blocks"`
}

// Size returns the exact byte length of an output of this shape.
func (o Output) Size() int {
	switch o.Shape {
	case ShapeMxe:
		return layout.SealedSize(o.Blocks)
	case ShapeShared:
		return 32 + layout.SealedSize(o.Blocks)
	case ShapePlaintext:
		return 16 * o.Blocks
	default:
		return -1
	}
}

// Argument is one declared argument entry.
type Argument struct {
	Name  string         `json:"name"`
	Entry args.EntryKind `json:"entry"`
}

// Callback declares what a verified result drives.
type Callback struct {
	Action ir.CallbackAction `json:"action"`
	Layout string            `json:"layout,omitempty"`
	Event  string            `json:"event,omitempty"`
}

// Definition is a registered computation.
type Definition struct {
	Kind        ir.Kind        `json:"kind"`
	Offset      uint32         `json:"offset"`
	Description string         `json:"description,omitempty"`
	Arguments   []Argument     `json:"arguments"`
	Input       layout.Context `json:"input"`
	Output      Output         `json:"output"`
	Callback    Callback       `json:"callback"`
}

// Entries returns the declared entry kinds in order.
func (d *Definition) Entries() []args.EntryKind {
	out := make([]args.EntryKind, len(d.Arguments))
	for i, a := range d.Arguments {
		out[i] = a.Entry
	}
	return out
}

// Layout renders the declared entries like args.Arguments.Layout.
func (d *Definition) Layout() string {
	parts := make([]string, len(d.Arguments))
	for i, a := range d.Arguments {
		parts[i] = string(a.Entry)
	}
	return strings.Join(parts, ",")
}

// NamesRecipient reports whether the arguments carry an x25519 key.
func (d *Definition) NamesRecipient() bool {
	for _, a := range d.Arguments {
		if a.Entry == args.EntryX25519Pubkey {
			return true
		}
	}
	return false
}

// CheckArguments compares built arguments against the declared order. It
// is a lint for callers; dispatch does not call it.
func CheckArguments(d *Definition, a args.Arguments) error {
	if got, want := a.Layout(), d.Layout(); got != want {
		return fmt.Errorf("%s: arguments %q do not match declared %q", d.Kind, got, want)
	}
	return nil
}
