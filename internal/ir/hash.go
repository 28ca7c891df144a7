package ir

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for digests. Version suffix enables future algorithm migration.
const (
	DomainComputation = "cipherq/computation/v1"
	DomainCallback    = "cipherq/callback/v1"
	DomainAddress     = "cipherq/address/v1"
)

// Digest is a SHA-256 digest.
type Digest [32]byte

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler (hex).
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (hex).
func (d *Digest) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != len(d) {
		return fmt.Errorf("parse digest: want %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return nil
}

// digestWriter frames every field with a length or fixed width so that
// adjacent variable-length fields cannot be shifted into each other.
type digestWriter struct {
	h hash.Hash
}

// newDigestWriter starts SHA256(domain || 0x00 || ...).
// The null byte separator prevents domain/data boundary ambiguity.
func newDigestWriter(domain string) *digestWriter {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	return &digestWriter{h: h}
}

func (w *digestWriter) uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.h.Write(b[:])
}

func (w *digestWriter) bytes(b []byte) {
	w.uint64(uint64(len(b)))
	w.h.Write(b)
}

func (w *digestWriter) string(s string) {
	w.bytes([]byte(s))
}

func (w *digestWriter) sum() Digest {
	var d Digest
	copy(d[:], w.h.Sum(nil))
	return d
}

// ComputationDigest binds everything fixed at dispatch time: the kind, the
// request id, the dispatch seq, the inline arguments, the resolved reference
// bytes, the callback target and the signer threshold.
//
// The seq is unique per dispatch, so two computations reusing a request id
// with identical arguments still hash apart.
func ComputationDigest(p PendingComputation) Digest {
	w := newDigestWriter(DomainComputation)
	w.string(string(p.Kind))
	w.uint64(uint64(p.RequestID))
	w.uint64(uint64(p.Seq))
	w.bytes(p.Arguments)
	w.uint64(uint64(len(p.References)))
	for _, ref := range p.References {
		w.uint64(uint64(ref.Index))
		w.bytes(ref.Address[:])
		w.uint64(uint64(ref.Offset))
		w.uint64(uint64(ref.Length))
		w.bytes(ref.Data)
	}
	w.string(string(p.Callback.Action))
	w.bytes(p.Callback.Address[:])
	w.string(p.Callback.Layout)
	w.string(p.Callback.Event)
	w.uint64(uint64(p.RequiredSigners))
	return w.sum()
}

// CallbackDigest is the message every cluster node signs. It commits to the
// pending computation's digest, so an output signed for one computation can
// never be accepted for another one reusing the same request id.
func CallbackDigest(kind Kind, id RequestID, pending Digest, status Status, output []byte) Digest {
	w := newDigestWriter(DomainCallback)
	w.string(string(kind))
	w.uint64(uint64(id))
	w.bytes(pending[:])
	w.string(string(status))
	w.bytes(output)
	return w.sum()
}

// DeriveAddress derives a deterministic record address from seeds, in the
// manner of a program-derived address.
func DeriveAddress(seeds ...[]byte) Address {
	w := newDigestWriter(DomainAddress)
	w.uint64(uint64(len(seeds)))
	for _, s := range seeds {
		w.bytes(s)
	}
	return Address(w.sum())
}

// KindOffset is the u32 identifying a computation definition on the
// executor side: the first four bytes (little-endian) of SHA-256 over the
// NFC-normalized kind name.
func KindOffset(kind Kind) uint32 {
	sum := sha256.Sum256([]byte(norm.NFC.String(string(kind))))
	return binary.LittleEndian.Uint32(sum[:4])
}
