package mxe

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math/bits"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
)

// HKDF info strings, one per audience context.
const (
	infoCluster = "cipherq/mxe/cluster/v1"
	infoShared  = "cipherq/mxe/shared/v1"
)

// Cipher seals u128 values into blocks for one audience.
type Cipher struct {
	secret []byte
	info   string
}

func (c Cipher) keystream(nonce layout.Nonce, blocks int) ([]byte, error) {
	var key [chacha20.KeySize]byte
	kdf := hkdf.New(sha256.New, c.secret, nonce[:], []byte(c.info))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("derive block key: %w", err)
	}
	// Each (secret, nonce) pair has its own key, so a fixed stream nonce is fine.
	var streamNonce [chacha20.NonceSize]byte
	s, err := chacha20.NewUnauthenticatedCipher(key[:], streamNonce[:])
	if err != nil {
		return nil, fmt.Errorf("init stream: %w", err)
	}
	ks := make([]byte, blocks*layout.BlockSize)
	s.XORKeyStream(ks, ks)
	return ks, nil
}

// Encrypt seals values under nonce, one block each.
func (c Cipher) Encrypt(nonce layout.Nonce, values []ir.U128) ([]layout.Block, error) {
	ks, err := c.keystream(nonce, len(values))
	if err != nil {
		return nil, err
	}
	out := make([]layout.Block, len(values))
	for i, v := range values {
		raw := v.Bytes()
		copy(out[i][:], raw[:])
		for j := range out[i] {
			out[i][j] ^= ks[i*layout.BlockSize+j]
		}
	}
	return out, nil
}

// Decrypt opens blocks sealed under nonce. It fails if a block's padding is
// not zero, which happens with overwhelming probability under the wrong key
// or nonce.
func (c Cipher) Decrypt(nonce layout.Nonce, blocks []layout.Block) ([]ir.U128, error) {
	ks, err := c.keystream(nonce, len(blocks))
	if err != nil {
		return nil, err
	}
	out := make([]ir.U128, len(blocks))
	for i, b := range blocks {
		var plain layout.Block
		for j := range b {
			plain[j] = b[j] ^ ks[i*layout.BlockSize+j]
		}
		for _, p := range plain[16:] {
			if p != 0 {
				return nil, fmt.Errorf("block %d does not open under this key and nonce", i)
			}
		}
		out[i] = ir.U128FromBytes([16]byte(plain[:16]))
	}
	return out, nil
}

// add returns a + b, failing on overflow.
func add(a, b ir.U128) (ir.U128, error) {
	lo, carry := bits.Add64(a.Lo, b.Lo, 0)
	hi, overflow := bits.Add64(a.Hi, b.Hi, carry)
	if overflow != 0 {
		return ir.U128{}, fmt.Errorf("u128 overflow")
	}
	return ir.U128{Lo: lo, Hi: hi}, nil
}

// nextNonce is the nonce an output is sealed under: the input nonce plus
// one, wrapping.
func nextNonce(n layout.Nonce) layout.Nonce {
	v := n.U128()
	lo, carry := bits.Add64(v.Lo, 1, 0)
	hi, _ := bits.Add64(v.Hi, 0, carry)
	return layout.NonceFromU128(ir.U128{Lo: lo, Hi: hi})
}
