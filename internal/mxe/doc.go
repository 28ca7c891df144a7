// Package mxe is a reference executor standing in for the MPC cluster.
//
// It is a test and demo collaborator, not a secret-sharing implementation:
// one process holds the cluster secret and computes on plaintext internally.
// What it reproduces faithfully is the protocol surface the engine sees:
//
//   - argument parsing by the definition's declared entry order
//   - the two audience contexts: cluster (sealed under a key derived from
//     the cluster secret) and shared (sealed under an x25519 agreement
//     between the cluster key and a named outside key)
//   - output shapes (mxe, shared, plaintext) and a changed output nonce
//   - signing of the callback digest by every cluster node
//   - reporting failures as aborted outputs
//
// Blocks are sealed with a ChaCha20 keystream keyed by
// HKDF-SHA256(secret, salt=nonce, info=context). A value occupies the first
// 16 bytes of its block (u128 little-endian); the remaining bytes must
// decrypt to zero, which detects a wrong key or nonce.
//
// By default an output is sealed under the input nonce plus one, which keeps
// traces reproducible but means two computations started from the same
// caller nonce seal under the same nonce. A real cluster draws every output
// nonce freshly; WithNonceSource(rand.Reader) does the same here and is what
// "cipherq run --simulate" uses.
package mxe
