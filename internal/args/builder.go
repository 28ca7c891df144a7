package args

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/cipherq/internal/ir"
)

// EntryKind tags one argument entry.
type EntryKind string

const (
	EntryPlaintextU128 EntryKind = "plaintext_u128"
	EntryX25519Pubkey  EntryKind = "x25519_pubkey"
	EntryCiphertext    EntryKind = "ciphertext"
	EntryReference     EntryKind = "reference"
)

// ValidEntryKinds lists the recognized entry kinds.
var ValidEntryKinds = map[EntryKind]bool{
	EntryPlaintextU128: true,
	EntryX25519Pubkey:  true,
	EntryCiphertext:    true,
	EntryReference:     true,
}

// Builder accumulates argument entries. The zero value is ready to use.
type Builder struct {
	data    []byte
	entries []EntryKind
	refs    []ir.Reference
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// PlaintextU128 appends v as 16 little-endian bytes.
func (b *Builder) PlaintextU128(v ir.U128) *Builder {
	raw := v.Bytes()
	b.data = append(b.data, raw[:]...)
	b.entries = append(b.entries, EntryPlaintextU128)
	return b
}

// X25519Pubkey appends a recipient public key as-is.
func (b *Builder) X25519Pubkey(key [32]byte) *Builder {
	b.data = append(b.data, key[:]...)
	b.entries = append(b.entries, EntryX25519Pubkey)
	return b
}

// Ciphertext appends a 32-byte ciphertext block the caller already holds.
func (b *Builder) Ciphertext(block [32]byte) *Builder {
	b.data = append(b.data, block[:]...)
	b.entries = append(b.entries, EntryCiphertext)
	return b
}

// Reference records a pointer to length bytes at offset within the record
// at addr. Nothing is copied until Resolve.
func (b *Builder) Reference(addr ir.Address, offset, length uint32) *Builder {
	b.refs = append(b.refs, ir.Reference{
		Index:   len(b.entries),
		Address: addr,
		Offset:  offset,
		Length:  length,
	})
	b.entries = append(b.entries, EntryReference)
	return b
}

// Build returns the accumulated arguments. The builder can keep appending
// afterwards without affecting the result.
func (b *Builder) Build() Arguments {
	return Arguments{
		Data:    append([]byte(nil), b.data...),
		Refs:    append([]ir.Reference(nil), b.refs...),
		Entries: append([]EntryKind(nil), b.entries...),
	}
}

// Arguments is a built argument list.
type Arguments struct {
	// Data is the inline byte string, references excluded.
	Data []byte
	// Refs are the storage references, unresolved.
	Refs []ir.Reference
	// Entries is the kind of every entry in order.
	Entries []EntryKind
}

// Layout renders the entry kinds as a comma-separated list, e.g.
// "plaintext_u128,reference".
func (a Arguments) Layout() string {
	parts := make([]string, len(a.Entries))
	for i, e := range a.Entries {
		parts[i] = string(e)
	}
	return strings.Join(parts, ",")
}

// RecordReader reads raw record bytes. Implementations return an error
// coded ir.CodeInvalidArgumentReference when the record does not exist or
// the range exceeds it.
type RecordReader interface {
	ReadRange(ctx context.Context, addr ir.Address, offset, length uint32) ([]byte, error)
}

// Resolve reads every reference through r and returns them with Data set.
func (a Arguments) Resolve(ctx context.Context, r RecordReader) ([]ir.Reference, error) {
	resolved := make([]ir.Reference, len(a.Refs))
	for i, ref := range a.Refs {
		if ref.Length == 0 {
			return nil, referenceError(ref, "zero-length reference", nil)
		}
		data, err := r.ReadRange(ctx, ref.Address, ref.Offset, ref.Length)
		if err != nil {
			if ir.CodeOf(err) == ir.CodeInvalidArgumentReference {
				return nil, referenceError(ref, "unresolvable reference", err)
			}
			return nil, fmt.Errorf("resolve reference %d: %w", ref.Index, err)
		}
		if len(data) != int(ref.Length) {
			return nil, referenceError(ref, fmt.Sprintf("read %d bytes, want %d", len(data), ref.Length), nil)
		}
		ref.Data = data
		resolved[i] = ref
	}
	return resolved, nil
}

func referenceError(ref ir.Reference, msg string, err error) *ir.Error {
	return &ir.Error{
		Code:    ir.CodeInvalidArgumentReference,
		Message: msg,
		Details: map[string]string{
			"index":   strconv.Itoa(ref.Index),
			"address": ref.Address.String(),
			"offset":  strconv.FormatUint(uint64(ref.Offset), 10),
			"length":  strconv.FormatUint(uint64(ref.Length), 10),
		},
		Err: err,
	}
}

// Split walks data along entries and returns one slice per entry, with
// references taken from refs (which must be resolved). It is the inverse
// of Build plus Resolve, used by executors to read their inputs.
func Split(data []byte, entries []EntryKind, refs []ir.Reference) ([][]byte, error) {
	out := make([][]byte, len(entries))
	byIndex := make(map[int]ir.Reference, len(refs))
	for _, r := range refs {
		byIndex[r.Index] = r
	}
	off := 0
	for i, e := range entries {
		var width int
		switch e {
		case EntryPlaintextU128:
			width = 16
		case EntryX25519Pubkey, EntryCiphertext:
			width = 32
		case EntryReference:
			ref, ok := byIndex[i]
			if !ok {
				return nil, fmt.Errorf("entry %d: no reference", i)
			}
			out[i] = ref.Data
			continue
		default:
			return nil, fmt.Errorf("entry %d: unknown kind %q", i, e)
		}
		if off+width > len(data) {
			return nil, fmt.Errorf("entry %d: %s needs %d bytes, %d left", i, e, width, len(data)-off)
		}
		out[i] = data[off : off+width]
		off += width
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after %d entries", len(data)-off, len(entries))
	}
	return out, nil
}

// ParseLayout is the inverse of Arguments.Layout.
func ParseLayout(s string) ([]EntryKind, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]EntryKind, len(parts))
	for i, p := range parts {
		k := EntryKind(strings.TrimSpace(p))
		if !ValidEntryKinds[k] {
			return nil, fmt.Errorf("unknown entry kind %q", p)
		}
		out[i] = k
	}
	return out, nil
}
