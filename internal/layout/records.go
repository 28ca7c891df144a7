package layout

import (
	"encoding/binary"
	"fmt"
)

// Record layouts. Offsets that computations reference by raw value
// (Counter ciphertext at 24, Offer ciphertext at 166) are pinned by tests.
var (
	// Counter holds one encrypted u64.
	Counter = Register("counter", DiscriminatorSize, 1, 0, 56)

	// Deal holds amount u64, price u128 and fill_amount u64 encrypted, with
	// its plaintext fields after the blocks.
	Deal = Register("deal", DiscriminatorSize, 3, dealTrailerSize, 303)

	// Offer holds price u128, amount u64 and amt_to_execute u64 encrypted,
	// with its plaintext fields before the nonce.
	Offer = Register("offer", DiscriminatorSize+offerHeaderSize, 3, 0, 262)
)

// DealStatus is the lifecycle state of a deal.
type DealStatus uint8

const (
	DealOpen     DealStatus = 0
	DealExecuted DealStatus = 1
	DealExpired  DealStatus = 2
)

func (s DealStatus) String() string {
	switch s {
	case DealOpen:
		return "open"
	case DealExecuted:
		return "executed"
	case DealExpired:
		return "expired"
	default:
		return fmt.Sprintf("DealStatus(%d)", uint8(s))
	}
}

// OfferStatus is the lifecycle state of an offer.
type OfferStatus uint8

const (
	OfferOpen    OfferStatus = 0
	OfferSettled OfferStatus = 1
)

func (s OfferStatus) String() string {
	switch s {
	case OfferOpen:
		return "open"
	case OfferSettled:
		return "settled"
	default:
		return fmt.Sprintf("OfferStatus(%d)", uint8(s))
	}
}

const dealTrailerSize = 32*5 + 8 + 8 + 1 + 1 + 4 + 1

// DealFields are the plaintext fields stored after a deal's blocks.
type DealFields struct {
	CreateKey        [32]byte
	Controller       [32]byte
	EncryptionPubkey [32]byte
	BaseMint         [32]byte
	QuoteMint        [32]byte
	CreatedAt        int64
	ExpiresAt        int64
	Status           DealStatus
	AllowPartial     bool
	NumOffers        uint32
	Bump             uint8
}

// MarshalBinary encodes the fields in declaration order, little-endian.
func (f DealFields) MarshalBinary() ([]byte, error) {
	w := fieldWriter{buf: make([]byte, 0, dealTrailerSize)}
	w.key(f.CreateKey)
	w.key(f.Controller)
	w.key(f.EncryptionPubkey)
	w.key(f.BaseMint)
	w.key(f.QuoteMint)
	w.i64(f.CreatedAt)
	w.i64(f.ExpiresAt)
	w.u8(uint8(f.Status))
	w.bool(f.AllowPartial)
	w.u32(f.NumOffers)
	w.u8(f.Bump)
	return w.buf, nil
}

// UnmarshalBinary decodes a deal trailer.
func (f *DealFields) UnmarshalBinary(b []byte) error {
	if len(b) != dealTrailerSize {
		return fmt.Errorf("deal fields are %d bytes, want %d", len(b), dealTrailerSize)
	}
	r := fieldReader{buf: b}
	f.CreateKey = r.key()
	f.Controller = r.key()
	f.EncryptionPubkey = r.key()
	f.BaseMint = r.key()
	f.QuoteMint = r.key()
	f.CreatedAt = r.i64()
	f.ExpiresAt = r.i64()
	f.Status = DealStatus(r.u8())
	f.AllowPartial = r.u8() != 0
	f.NumOffers = r.u32()
	f.Bump = r.u8()
	return nil
}

const offerHeaderSize = 32*4 + 8 + 4 + 1 + 1

// OfferFields are the plaintext fields stored before an offer's nonce.
type OfferFields struct {
	CreateKey        [32]byte
	Controller       [32]byte
	EncryptionPubkey [32]byte
	Deal             [32]byte
	SubmittedAt      int64
	OfferIndex       uint32
	Status           OfferStatus
	Bump             uint8
}

// MarshalBinary encodes the fields in declaration order, little-endian.
func (f OfferFields) MarshalBinary() ([]byte, error) {
	w := fieldWriter{buf: make([]byte, 0, offerHeaderSize)}
	w.key(f.CreateKey)
	w.key(f.Controller)
	w.key(f.EncryptionPubkey)
	w.key(f.Deal)
	w.i64(f.SubmittedAt)
	w.u32(f.OfferIndex)
	w.u8(uint8(f.Status))
	w.u8(f.Bump)
	return w.buf, nil
}

// UnmarshalBinary decodes an offer header (without discriminator).
func (f *OfferFields) UnmarshalBinary(b []byte) error {
	if len(b) != offerHeaderSize {
		return fmt.Errorf("offer fields are %d bytes, want %d", len(b), offerHeaderSize)
	}
	r := fieldReader{buf: b}
	f.CreateKey = r.key()
	f.Controller = r.key()
	f.EncryptionPubkey = r.key()
	f.Deal = r.key()
	f.SubmittedAt = r.i64()
	f.OfferIndex = r.u32()
	f.Status = OfferStatus(r.u8())
	f.Bump = r.u8()
	return nil
}

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) key(k [32]byte) { w.buf = append(w.buf, k[:]...) }
func (w *fieldWriter) i64(v int64)    { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }
func (w *fieldWriter) u32(v uint32)   { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *fieldWriter) u8(v uint8)     { w.buf = append(w.buf, v) }

func (w *fieldWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// fieldReader assumes the caller checked the total length.
type fieldReader struct {
	buf []byte
	off int
}

func (r *fieldReader) key() [32]byte {
	var k [32]byte
	copy(k[:], r.buf[r.off:r.off+32])
	r.off += 32
	return k
}

func (r *fieldReader) i64() int64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return int64(v)
}

func (r *fieldReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *fieldReader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}
