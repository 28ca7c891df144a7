// Package args builds the encoded argument string handed to the external
// executor.
//
// Entries are appended in the order the target computation declares them.
// Plaintext u128 values, public keys and inline ciphertext blocks are
// copied into the byte string; storage references are recorded as
// pointers and resolved against live records inside the dispatch
// transaction, so the bytes the executor receives are the bytes the record
// held when the request was accepted.
//
// Building never fails and performs no schema checking.
package args
