// Package engine implements the confidential-computation protocol core:
// dispatch of computations to an external executor and verification and
// application of the executor's signed results.
//
// ARCHITECTURE:
//
// Dispatch runs in the caller's goroutine inside one store transaction:
//  1. check the signer threshold and the registered definition
//  2. reject a duplicate outstanding (kind, request id)
//  3. allocate requested records, resolve storage references
//  4. claim in-flight markers on every touched record
//  5. persist the pending computation and hand it to the executor channel
//
// A failure at any step rolls the whole transaction back: nothing stays
// pending and no record is allocated.
//
// HandleCallback consumes the pending computation (DELETE ... RETURNING),
// verifies the threshold of cluster signatures over the callback digest,
// decodes the output by the definition's shape and applies it, all inside
// one transaction. A rejected callback rolls back and leaves the pending
// computation in place; an accepted one can never be accepted twice.
//
// Run drains an inbox of signed outputs in a single goroutine, logging and
// continuing on per-callback errors.
//
// CRITICAL PATTERNS:
//
// Logical Clock
// Every pending computation, record update, notification and resolution is
// stamped with a strictly increasing seq from Clock.Next(). Wall-clock time
// is recorded for operators only, never used for ordering.
//
// Exactly-once
// The pending row is the only capability to apply a result. Deleting it is
// the atomic check-and-remove; a second callback for the same request finds
// nothing and is rejected as UnknownOrAlreadyConsumedRequest.
package engine
