package compdef

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cipherq/internal/args"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
)

//go:embed definitions.cue
var defaultSource []byte

// CompileError is a compilation error. Pos is the zero token.Pos when CUE
// reports none.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Defaults compiles the embedded built-in definitions.
func Defaults() ([]Definition, error) {
	return CompileSource("definitions.cue", defaultSource)
}

// DefaultSource returns the embedded CUE source.
func DefaultSource() []byte {
	return append([]byte(nil), defaultSource...)
}

// CompileSource compiles definitions from a single CUE file's bytes. The
// source is unified with the embedded #Definition schema.
func CompileSource(filename string, src []byte) ([]Definition, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(defaultSource, cue.Filename("definitions.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileValue(unifySchema(schema, v))
}

// LoadDir loads every .cue file of the package in dir.
func LoadDir(dir string) ([]Definition, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("definitions directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := ctx.CompileBytes(defaultSource, cue.Filename("definitions.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileValue(unifySchema(schema, v))
}

// unifySchema applies #Definition to every computation in v. Only the
// schema is taken from the embedded file, not its computations.
func unifySchema(schema, v cue.Value) cue.Value {
	def := schema.LookupPath(cue.ParsePath("#Definition"))
	comps := v.LookupPath(cue.ParsePath("computation"))
	if !comps.Exists() {
		return v
	}
	iter, err := comps.Fields()
	if err != nil {
		return v
	}
	for iter.Next() {
		path := cue.MakePath(cue.Str("computation"), cue.Str(iter.Label()))
		v = v.FillPath(path, def)
	}
	return v
}

func compileValue(v cue.Value) ([]Definition, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	comps := v.LookupPath(cue.ParsePath("computation"))
	if !comps.Exists() {
		return nil, &CompileError{Field: "computation", Message: "no computations defined", Pos: v.Pos()}
	}
	iter, err := comps.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []Definition
	for iter.Next() {
		def, err := CompileDefinition(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Kind < defs[j].Kind })
	return defs, nil
}

// CompileDefinition parses one computation struct.
func CompileDefinition(name string, v cue.Value) (*Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &Definition{
		Kind:   ir.Kind(name),
		Offset: ir.KindOffset(ir.Kind(name)),
		Input:  layout.ContextNone,
	}

	if d := v.LookupPath(cue.ParsePath("description")); d.Exists() {
		s, err := d.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def.Description = s
	}

	argsVal := v.LookupPath(cue.ParsePath("arguments"))
	if !argsVal.Exists() {
		return nil, &CompileError{Field: name + ".arguments", Message: "arguments are required", Pos: v.Pos()}
	}
	list, err := argsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for list.Next() {
		a := list.Value()
		argName, err := a.LookupPath(cue.ParsePath("name")).String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		entry, err := a.LookupPath(cue.ParsePath("entry")).String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def.Arguments = append(def.Arguments, Argument{Name: argName, Entry: args.EntryKind(entry)})
	}

	if in := v.LookupPath(cue.ParsePath("input")); in.Exists() {
		s, err := in.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def.Input = layout.Context(s)
	}

	shape, err := v.LookupPath(cue.ParsePath("output.shape")).String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	blocks, err := v.LookupPath(cue.ParsePath("output.blocks")).Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	def.Output = Output{Shape: Shape(shape), Blocks: int(blocks)}

	action, err := v.LookupPath(cue.ParsePath("callback.action")).String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	def.Callback.Action = ir.CallbackAction(action)
	if l := v.LookupPath(cue.ParsePath("callback.layout")); l.Exists() {
		if def.Callback.Layout, err = l.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}
	if e := v.LookupPath(cue.ParsePath("callback.event")); e.Exists() {
		if def.Callback.Event, err = e.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	if errs := Validate(def); len(errs) > 0 {
		return nil, &CompileError{Field: name, Message: errs[0].Error(), Pos: v.Pos()}
	}
	return def, nil
}

// formatCUEError turns a CUE error into a CompileError, keeping the first
// error's position when it has one.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	ce := &CompileError{Field: "cue", Message: err.Error()}
	if errs := errors.Errors(err); len(errs) > 0 {
		first := errs[0]
		ce.Message = first.Error()
		if positions := errors.Positions(first); len(positions) > 0 {
			ce.Pos = positions[0]
		}
	}
	return ce
}
