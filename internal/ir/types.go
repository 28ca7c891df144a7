package ir

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// RequestID is the caller-chosen identifier of a pending computation.
// It must be unique among outstanding requests of the same Kind.
type RequestID uint64

// String renders the id in decimal.
func (id RequestID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Kind names a registered computation definition (e.g. "increment_counter").
type Kind string

// AddressSize is the byte width of a record address.
const AddressSize = 32

// Address identifies a persisted record.
type Address [AddressSize]byte

// String returns the lowercase hex form of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler (hex).
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (hex).
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a 64-character hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(raw) != AddressSize {
		return a, fmt.Errorf("parse address: want %d bytes, got %d", AddressSize, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// U128 is an unsigned 128-bit integer as carried by plaintext arguments.
type U128 struct {
	Lo uint64
	Hi uint64
}

// NewU128 widens a uint64.
func NewU128(v uint64) U128 {
	return U128{Lo: v}
}

// U128FromBytes decodes 16 little-endian bytes.
func U128FromBytes(b [16]byte) U128 {
	return U128{
		Lo: binary.LittleEndian.Uint64(b[0:8]),
		Hi: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// Bytes encodes the value as 16 little-endian bytes.
func (u U128) Bytes() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], u.Lo)
	binary.LittleEndian.PutUint64(b[8:16], u.Hi)
	return b
}

// Big returns the value as a big.Int.
func (u U128) Big() *big.Int {
	v := new(big.Int).SetUint64(u.Hi)
	v.Lsh(v, 64)
	return v.Or(v, new(big.Int).SetUint64(u.Lo))
}

// String renders the value in decimal.
func (u U128) String() string {
	if u.Hi == 0 {
		return strconv.FormatUint(u.Lo, 10)
	}
	return u.Big().String()
}

// ParseU128 parses a decimal string of at most 128 bits.
func ParseU128(s string) (U128, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return U128{}, fmt.Errorf("parse u128: invalid value %q", s)
	}
	lo := new(big.Int).And(v, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(v, 64)
	return U128{Lo: lo.Uint64(), Hi: hi.Uint64()}, nil
}

// CallbackAction selects how a verified result is absorbed.
type CallbackAction string

const (
	// ActionUpdateRecord overwrites the sealed region of the target record.
	ActionUpdateRecord CallbackAction = "update_record"
	// ActionNotify emits an outward notification and mutates no record.
	ActionNotify CallbackAction = "notify"
)

// ValidCallbackActions lists the accepted actions.
var ValidCallbackActions = map[CallbackAction]bool{
	ActionUpdateRecord: true,
	ActionNotify:       true,
}

// CallbackTarget is bound to a pending computation at dispatch time.
// The executor never supplies or alters it.
type CallbackTarget struct {
	Action  CallbackAction `json:"action"`
	Address Address        `json:"address,omitzero"`
	Layout  string         `json:"layout,omitempty"`
	Event   string         `json:"event,omitempty"`
}

// Reference is a storage reference resolved at dispatch time.
// Index is the position of the reference in the argument entry list.
type Reference struct {
	Index   int     `json:"index"`
	Address Address `json:"address"`
	Offset  uint32  `json:"offset"`
	Length  uint32  `json:"length"`
	Data    []byte  `json:"data"`
}

// Allocation asks dispatch to create a fresh record atomically with the
// pending computation (e.g. the counter an init_counter result lands in).
type Allocation struct {
	Address Address `json:"address"`
	Layout  string  `json:"layout"`
	Data    []byte  `json:"data"`
}

// PendingComputation is one outstanding request.
type PendingComputation struct {
	RequestID       RequestID      `json:"request_id"`
	Kind            Kind           `json:"kind"`
	Arguments       []byte         `json:"arguments"`
	References      []Reference    `json:"references"`
	Callback        CallbackTarget `json:"callback"`
	RequiredSigners int            `json:"required_signers"`
	Digest          Digest         `json:"digest"`
	Seq             int64          `json:"seq"`
	DispatchedAt    time.Time      `json:"dispatched_at"`
}

// Outbound is the message handed to the external executor.
type Outbound struct {
	RequestID       RequestID      `json:"request_id"`
	Kind            Kind           `json:"kind"`
	KindOffset      uint32         `json:"kind_offset"`
	Arguments       []byte         `json:"arguments"`
	References      []Reference    `json:"references"`
	RequiredSigners int            `json:"required_signers"`
	Callback        CallbackTarget `json:"callback"`
	Seq             int64          `json:"seq"`
	Digest          Digest         `json:"digest"`
}

// OutboundFor builds the executor message for a pending computation.
func OutboundFor(p PendingComputation) Outbound {
	return Outbound{
		RequestID:       p.RequestID,
		Kind:            p.Kind,
		KindOffset:      KindOffset(p.Kind),
		Arguments:       p.Arguments,
		References:      p.References,
		RequiredSigners: p.RequiredSigners,
		Callback:        p.Callback,
		Seq:             p.Seq,
		Digest:          p.Digest,
	}
}

// Status is the executor-reported outcome carried in a signed output.
type Status string

const (
	StatusOK      Status = "ok"
	StatusAborted Status = "aborted"
)

// Signature is one cluster node's signature over a callback digest.
type Signature struct {
	Signer    []byte `json:"signer"`
	Signature []byte `json:"signature"`
}

// SignedOutput is the inbound message from the executor.
type SignedOutput struct {
	RequestID  RequestID   `json:"request_id"`
	Kind       Kind        `json:"kind"`
	Status     Status      `json:"status"`
	Output     []byte      `json:"output,omitempty"`
	Signatures []Signature `json:"signatures"`
}

// Notification is the outward effect of a read/export computation.
type Notification struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	RequestID   RequestID `json:"request_id"`
	Event       string    `json:"event"`
	AudienceKey []byte    `json:"audience_key,omitempty"`
	Nonce       []byte    `json:"nonce,omitempty"`
	Ciphertexts [][]byte  `json:"ciphertexts,omitempty"`
	Scalars     []U128    `json:"scalars,omitempty"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

// Outcome is the terminal state of a consumed pending computation.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeAborted Outcome = "aborted"
)

// RecordUpdate describes a sealed-region overwrite.
type RecordUpdate struct {
	Address       Address  `json:"address"`
	Layout        string   `json:"layout"`
	PreviousNonce [16]byte `json:"previous_nonce"`
	Nonce         [16]byte `json:"nonce"`
}

// Effect is what a callback did. Exactly one of Record and Notification is
// set when Outcome is OutcomeApplied; neither is set when aborted.
type Effect struct {
	RequestID    RequestID     `json:"request_id"`
	Kind         Kind          `json:"kind"`
	Outcome      Outcome       `json:"outcome"`
	Record       *RecordUpdate `json:"record,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Seq          int64         `json:"seq"`
	AppliedAt    time.Time     `json:"applied_at"`
}
