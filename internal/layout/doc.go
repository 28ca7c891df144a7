// Package layout defines the encrypted-state convention shared by every
// confidential record: a 16-byte nonce immediately followed by N 32-byte
// ciphertext blocks, at a fixed offset inside the record.
//
// The offsets exposed by a Layout are the only place callers should get
// them from. Register panics at init if a record type's declared size
// does not equal header + nonce + blocks + trailer, so drift in a record
// definition fails the process before any computation can reference a
// stale offset.
package layout
