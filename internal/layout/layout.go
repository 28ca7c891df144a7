package layout

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/cipherq/internal/ir"
)

// DiscriminatorSize is the width of the type tag at the start of a record.
const DiscriminatorSize = 8

// Layout describes one record type:
//
//	header || nonce[16] || block[32] × Blocks || trailer
//
// The header includes the 8-byte discriminator.
type Layout struct {
	Name        string
	HeaderSize  int
	Blocks      int
	TrailerSize int

	// Size is the declared total record size.
	Size int

	// Discriminator is the first 8 bytes of SHA-256("account:<Name>").
	Discriminator [DiscriminatorSize]byte
}

// NonceOffset is where the nonce begins.
func (l Layout) NonceOffset() int {
	return l.HeaderSize
}

// CiphertextOffset is where block 0 begins. This is the offset a storage
// reference uses to pass the record's ciphertext to a computation.
func (l Layout) CiphertextOffset() int {
	return l.HeaderSize + NonceSize
}

// CiphertextLength is the byte width of all blocks.
func (l Layout) CiphertextLength() int {
	return BlockSize * l.Blocks
}

// SealedLength is the width of the {nonce, blocks} region.
func (l Layout) SealedLength() int {
	return SealedSize(l.Blocks)
}

// TrailerOffset is where trailing plaintext fields begin.
func (l Layout) TrailerOffset() int {
	return l.CiphertextOffset() + l.CiphertextLength()
}

func (l Layout) check(record []byte) error {
	if len(record) != l.Size {
		return &ir.Error{
			Code:    ir.CodeMalformedRecord,
			Message: fmt.Sprintf("%s record is %d bytes, want %d", l.Name, len(record), l.Size),
		}
	}
	if [DiscriminatorSize]byte(record[:DiscriminatorSize]) != l.Discriminator {
		return &ir.Error{
			Code:    ir.CodeMalformedRecord,
			Message: fmt.Sprintf("%s record has wrong discriminator", l.Name),
		}
	}
	return nil
}

// Sealed decodes the {nonce, blocks} region of record.
func (l Layout) Sealed(record []byte) (Sealed, error) {
	if err := l.check(record); err != nil {
		return Sealed{}, err
	}
	return Decode(record[l.NonceOffset():l.TrailerOffset()], l.Blocks)
}

// Seal overwrites the {nonce, blocks} region of record in place. Header and
// trailer bytes are left untouched.
func (l Layout) Seal(record []byte, s Sealed) error {
	if err := l.check(record); err != nil {
		return err
	}
	if len(s.Blocks) != l.Blocks {
		return &ir.Error{
			Code:    ir.CodeMalformedRecord,
			Message: fmt.Sprintf("%s holds %d blocks, got %d", l.Name, l.Blocks, len(s.Blocks)),
		}
	}
	copy(record[l.NonceOffset():l.TrailerOffset()], s.Bytes())
	return nil
}

// New returns a zeroed record carrying the discriminator. header (without
// the discriminator) and trailer may be nil; otherwise they must match the
// layout's widths.
func (l Layout) New(header, trailer []byte) ([]byte, error) {
	if header != nil && len(header) != l.HeaderSize-DiscriminatorSize {
		return nil, fmt.Errorf("%s header is %d bytes, want %d", l.Name, len(header), l.HeaderSize-DiscriminatorSize)
	}
	if trailer != nil && len(trailer) != l.TrailerSize {
		return nil, fmt.Errorf("%s trailer is %d bytes, want %d", l.Name, len(trailer), l.TrailerSize)
	}
	record := make([]byte, l.Size)
	copy(record, l.Discriminator[:])
	copy(record[DiscriminatorSize:], header)
	copy(record[l.TrailerOffset():], trailer)
	return record, nil
}

// Header returns the plaintext header after the discriminator.
func (l Layout) Header(record []byte) ([]byte, error) {
	if err := l.check(record); err != nil {
		return nil, err
	}
	return record[DiscriminatorSize:l.HeaderSize], nil
}

// Trailer returns the plaintext fields after the blocks.
func (l Layout) Trailer(record []byte) ([]byte, error) {
	if err := l.check(record); err != nil {
		return nil, err
	}
	return record[l.TrailerOffset():], nil
}

// Discriminator derives the 8-byte type tag for a layout name.
func Discriminator(name string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminatorSize]byte
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Layout{}
)

// Register declares a record layout. It panics if size differs from
// header + 16 + 32·blocks + trailer, if the header cannot hold the
// discriminator, or if the name is taken. Call it from package init.
func Register(name string, header, blocks, trailer, size int) Layout {
	if header < DiscriminatorSize || blocks < 0 || trailer < 0 {
		panic(fmt.Sprintf("layout %s: invalid widths header=%d blocks=%d trailer=%d", name, header, blocks, trailer))
	}
	if want := header + SealedSize(blocks) + trailer; size != want {
		panic(fmt.Sprintf("layout %s: declared size %d != header %d + sealed %d + trailer %d = %d",
			name, size, header, SealedSize(blocks), trailer, want))
	}

	l := Layout{
		Name:          name,
		HeaderSize:    header,
		Blocks:        blocks,
		TrailerSize:   trailer,
		Size:          size,
		Discriminator: Discriminator(name),
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("layout %s: registered twice", name))
	}
	registry[name] = l
	return l
}

// Lookup returns the registered layout with the given name.
func Lookup(name string) (Layout, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	l, ok := registry[name]
	return l, ok
}

// Names lists registered layouts in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
