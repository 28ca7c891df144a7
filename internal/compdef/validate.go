package compdef

import (
	"fmt"
	"strings"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
)

// Validation error codes (E100-E199)
const (
	ErrKindEmpty         = "E101" // kind name is required
	ErrUnknownEntry      = "E102" // argument entry kind not recognized
	ErrInvalidShape      = "E103" // output shape not recognized or block count out of range
	ErrInvalidAction     = "E104" // callback action not recognized
	ErrRecordNeedsMxe    = "E105" // update_record needs mxe output and a matching layout
	ErrNotifyNeedsEvent  = "E106" // notify needs an event name
	ErrInvalidTransition = "E107" // input context cannot produce output context
	ErrDuplicateKind     = "E108" // kind defined twice
	ErrDuplicateArgName  = "E109" // argument name repeated
	ErrOffsetMismatch    = "E110" // offset does not match the kind name
)

// ValidationError is a definition validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a definition. Returns all errors found.
func Validate(d *Definition) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, a ...any) {
		errs = append(errs, ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(string(d.Kind)) == "" {
		add("kind", ErrKindEmpty, "kind is required")
	} else if d.Offset != ir.KindOffset(d.Kind) {
		add("offset", ErrOffsetMismatch, "offset %d does not match kind %q (%d)", d.Offset, d.Kind, ir.KindOffset(d.Kind))
	}

	names := make(map[string]bool)
	for i, a := range d.Arguments {
		if !args.ValidEntryKinds[a.Entry] {
			add(fmt.Sprintf("arguments[%d].entry", i), ErrUnknownEntry, "unknown entry kind %q", a.Entry)
		}
		if names[a.Name] {
			add(fmt.Sprintf("arguments[%d].name", i), ErrDuplicateArgName, "duplicate argument name %q", a.Name)
		}
		names[a.Name] = true
	}

	if d.Output.Size() < 0 {
		add("output.shape", ErrInvalidShape, "unknown output shape %q", d.Output.Shape)
	}
	if d.Output.Blocks < 1 {
		add("output.blocks", ErrInvalidShape, "output must have at least one block")
	}

	switch d.Callback.Action {
	case ir.ActionUpdateRecord:
		if d.Output.Shape != ShapeMxe {
			add("callback.action", ErrRecordNeedsMxe, "update_record requires mxe output, got %q", d.Output.Shape)
		}
		l, ok := layout.Lookup(d.Callback.Layout)
		if !ok {
			add("callback.layout", ErrRecordNeedsMxe, "unknown layout %q", d.Callback.Layout)
		} else if l.Blocks != d.Output.Blocks {
			add("callback.layout", ErrRecordNeedsMxe, "layout %s holds %d blocks, output has %d", l.Name, l.Blocks, d.Output.Blocks)
		}
	case ir.ActionNotify:
		if d.Callback.Event == "" {
			add("callback.event", ErrNotifyNeedsEvent, "notify requires an event name")
		}
	default:
		add("callback.action", ErrInvalidAction, "unknown callback action %q", d.Callback.Action)
	}

	if to := d.Output.Shape.Context(); to != "" {
		if err := layout.CheckTransition(d.Input, to, d.NamesRecipient()); err != nil {
			add("input", ErrInvalidTransition, "%v", err)
		}
	}

	return errs
}

// ValidateSet validates every definition and rejects duplicate kinds.
func ValidateSet(defs []Definition) []ValidationError {
	var errs []ValidationError
	seen := make(map[ir.Kind]bool)
	for i := range defs {
		if seen[defs[i].Kind] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("definitions[%d]", i),
				Code:    ErrDuplicateKind,
				Message: fmt.Sprintf("kind %q defined twice", defs[i].Kind),
			})
		}
		seen[defs[i].Kind] = true
		errs = append(errs, Validate(&defs[i])...)
	}
	return errs
}
