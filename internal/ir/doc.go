// Package ir holds the protocol types shared by every cipherq package:
// request identifiers, record addresses, pending computations, the
// outbound and inbound executor messages, notifications and effects.
//
// ir imports nothing internal. Digests are domain-separated SHA-256 and
// every variable-length field is length-prefixed before hashing.
//
// Key constraints:
//   - A pending computation is keyed by (Kind, RequestID)
//   - All JSON tags use snake_case
//   - Byte slices travel as base64 in JSON, addresses and digests as hex
package ir
