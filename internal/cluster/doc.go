// Package cluster holds the signing identities of the executing cluster.
//
// A KeyRing is the verifier's view: the ed25519 public keys registered for
// the cluster nodes. CountValid counts how many distinct registered nodes
// produced a valid signature over a callback digest; the engine compares the
// count against the computation's required signer threshold.
//
// A Signer is a node's view and is used by the reference executor.
package cluster
