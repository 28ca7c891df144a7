package cluster

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/roach88/cipherq/internal/ir"
)

// Signer is a cluster node's signing identity.
type Signer struct {
	Label string
	key   ed25519.PrivateKey
}

// NewSigner generates a signer with randomness from r (crypto/rand when nil).
func NewSigner(label string, r io.Reader) (*Signer, error) {
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate key for %s: %w", label, err)
	}
	return &Signer{Label: label, key: priv}, nil
}

// NewSignerFromSeed derives a signer from a 32-byte seed.
func NewSignerFromSeed(label string, seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer %s: seed is %d bytes, want %d", label, len(seed), ed25519.SeedSize)
	}
	return &Signer{Label: label, key: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKey returns the node's verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Node returns the keyring entry for this signer.
func (s *Signer) Node() Node {
	return Node{PublicKey: s.PublicKey(), Label: s.Label}
}

// Sign signs a callback digest.
func (s *Signer) Sign(digest ir.Digest) ir.Signature {
	return ir.Signature{
		Signer:    s.PublicKey(),
		Signature: ed25519.Sign(s.key, digest[:]),
	}
}

// SignAll collects one signature per signer.
func SignAll(digest ir.Digest, signers ...*Signer) []ir.Signature {
	sigs := make([]ir.Signature, len(signers))
	for i, s := range signers {
		sigs[i] = s.Sign(digest)
	}
	return sigs
}
