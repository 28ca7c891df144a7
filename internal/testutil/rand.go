package testutil

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20"
)

// NewReader returns an endless byte stream determined by seed, for
// generating keys that must be identical on every run. Never use it for
// real keys.
func NewReader(seed string) io.Reader {
	key := sha256.Sum256([]byte(seed))
	var nonce [chacha20.NonceSize]byte
	s, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed above.
		panic(err)
	}
	return &streamReader{s: s}
}

type streamReader struct {
	s *chacha20.Cipher
}

func (r *streamReader) Read(p []byte) (int, error) {
	clear(p)
	r.s.XORKeyStream(p, p)
	return len(p), nil
}
