package layout

import (
	"fmt"

	"github.com/roach88/cipherq/internal/ir"
)

const (
	// NonceSize is the width of the nonce that precedes the blocks.
	NonceSize = 16
	// BlockSize is the width of one ciphertext block.
	BlockSize = 32
)

// Nonce is the per-encryption nonce stored before the ciphertext blocks.
type Nonce [NonceSize]byte

// U128 returns the nonce read as a little-endian u128, the form in which
// it is passed back to the executor as a plaintext argument.
func (n Nonce) U128() ir.U128 {
	return ir.U128FromBytes(n)
}

// NonceFromU128 is the inverse of Nonce.U128.
func NonceFromU128(v ir.U128) Nonce {
	return Nonce(v.Bytes())
}

// Block is one 32-byte ciphertext block.
type Block [BlockSize]byte

// Sealed is the decoded {nonce, blocks} region of a record or output.
type Sealed struct {
	Nonce  Nonce
	Blocks []Block
}

// SealedSize returns the byte width of a sealed region with n blocks.
func SealedSize(n int) int {
	return NonceSize + BlockSize*n
}

// Encode writes nonce || blocks[0] || ... || blocks[n-1].
func Encode(nonce Nonce, blocks []Block) []byte {
	out := make([]byte, 0, SealedSize(len(blocks)))
	out = append(out, nonce[:]...)
	for _, b := range blocks {
		out = append(out, b[:]...)
	}
	return out
}

// Decode parses exactly 16 + 32n bytes into a nonce and n blocks.
func Decode(b []byte, n int) (Sealed, error) {
	if n < 0 || len(b) != SealedSize(n) {
		return Sealed{}, &ir.Error{
			Code:    ir.CodeMalformedRecord,
			Message: fmt.Sprintf("sealed region is %d bytes, want %d for %d blocks", len(b), SealedSize(n), n),
		}
	}
	var s Sealed
	copy(s.Nonce[:], b[:NonceSize])
	s.Blocks = DecodeBlocks(b[NonceSize:])
	return s, nil
}

// DecodeBlocks splits b into 32-byte blocks. len(b) must be a multiple of
// BlockSize; a trailing partial block is dropped.
func DecodeBlocks(b []byte) []Block {
	blocks := make([]Block, len(b)/BlockSize)
	for i := range blocks {
		copy(blocks[i][:], b[i*BlockSize:(i+1)*BlockSize])
	}
	return blocks
}

// Bytes returns the encoded form of s.
func (s Sealed) Bytes() []byte {
	return Encode(s.Nonce, s.Blocks)
}
