package mxe

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyPair is an x25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// NewKeyPair generates a key pair from r (crypto/rand when nil).
func NewKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	var seed [32]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	return KeyPairFromSeed(seed)
}

// KeyPairFromSeed uses seed as the private scalar.
func KeyPairFromSeed(seed [32]byte) (KeyPair, error) {
	pub, err := curve25519.X25519(seed[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive x25519 public key: %w", err)
	}
	k := KeyPair{Private: seed}
	copy(k.Public[:], pub)
	return k, nil
}

// Shared returns the cipher for the audience shared between k and peer.
// Both sides derive the same cipher.
func (k KeyPair) Shared(peer [32]byte) (Cipher, error) {
	secret, err := curve25519.X25519(k.Private[:], peer[:])
	if err != nil {
		return Cipher{}, fmt.Errorf("x25519 agreement: %w", err)
	}
	return Cipher{secret: secret, info: infoShared}, nil
}

// Cluster returns the cipher for state only the cluster can read.
func (k KeyPair) Cluster() (Cipher, error) {
	secret := make([]byte, 32)
	kdf := hkdf.New(sha256.New, k.Private[:], nil, []byte("cipherq/mxe/cluster-secret/v1"))
	if _, err := io.ReadFull(kdf, secret); err != nil {
		return Cipher{}, fmt.Errorf("derive cluster secret: %w", err)
	}
	return Cipher{secret: secret, info: infoCluster}, nil
}
