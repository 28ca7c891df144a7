// Package channel carries messages between the engine and the external
// executor.
//
// Outbound computations travel engine → executor and signed outputs travel
// executor → engine. Both directions use the same two interfaces, Sender and
// Receiver, so transports are interchangeable:
//
//   - Queue: in-process unbounded FIFO (tests, simulate command)
//   - Redis: a Redis list per direction, JSON encoded (RPUSH / BLPOP)
//   - Throttled: a token-bucket wrapper around any Sender
//
// A Sender that cannot accept a message returns an error carrying
// ir.CodeExternalChannelUnavailable so dispatch can roll back.
package channel
