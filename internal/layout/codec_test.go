package layout

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cipherq/internal/ir"
)

const maxBlocks = 6

func sealedFrom(nonce []byte, n int, data []byte) (Nonce, []Block) {
	var nn Nonce
	copy(nn[:], nonce)
	return nn, DecodeBlocks(data[:n*BlockSize])
}

// Property: Decode(Encode(nonce, blocks), len(blocks)) == (nonce, blocks)
func TestEncodeDecodeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode inverts encode", prop.ForAll(
		func(nonce []byte, n int, data []byte) bool {
			nn, blocks := sealedFrom(nonce, n, data)
			s, err := Decode(Encode(nn, blocks), n)
			if err != nil {
				return false
			}
			if s.Nonce != nn || len(s.Blocks) != n {
				return false
			}
			for i := range blocks {
				if s.Blocks[i] != blocks[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(NonceSize, gen.UInt8()),
		gen.IntRange(0, maxBlocks),
		gen.SliceOfN(BlockSize*maxBlocks, gen.UInt8()),
	))

	properties.TestingRun(t)
}

// Property: Decode fails whenever len(b) != 16 + 32n.
func TestDecodeRejectsWrongLength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode rejects every other length", prop.ForAll(
		func(size int, n int) bool {
			_, err := Decode(make([]byte, size), n)
			if size == SealedSize(n) {
				return err == nil
			}
			return errors.Is(err, ir.ErrMalformedRecord)
		},
		gen.IntRange(0, SealedSize(maxBlocks)+BlockSize),
		gen.IntRange(0, maxBlocks),
	))

	properties.TestingRun(t)
}

func TestEncodeWritesNonceFirst(t *testing.T) {
	nonce := Nonce{1, 2, 3}
	block := Block{9}
	out := Encode(nonce, []Block{block})

	require.Len(t, out, 48)
	assert.Equal(t, nonce[:], out[:16])
	assert.Equal(t, block[:], out[16:])
}

func TestDecodeNegativeBlockCount(t *testing.T) {
	_, err := Decode(nil, -1)
	assert.ErrorIs(t, err, ir.ErrMalformedRecord)
}

func TestNonceU128RoundTrip(t *testing.T) {
	n := Nonce{0xff, 0x01}
	assert.Equal(t, n, NonceFromU128(n.U128()))
	assert.Equal(t, uint64(0x01ff), n.U128().Lo)
}

func TestSealedBytesMatchesEncode(t *testing.T) {
	s := Sealed{Nonce: Nonce{7}, Blocks: []Block{{1}, {2}}}
	assert.True(t, bytes.Equal(Encode(s.Nonce, s.Blocks), s.Bytes()))
}
