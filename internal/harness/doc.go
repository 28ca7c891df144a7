// Package harness runs end-to-end scenarios against the engine and the
// reference executor.
//
// A scenario is a YAML list of steps. Each step calls one program handler
// (add_together, init_counter, increment_counter, get_counter) or delivers
// a result held back by an earlier step. The harness executes every
// dispatched computation on an in-process mxe.Executor, feeds the signed
// output to Engine.HandleCallback, and records a trace:
//
//	dispatch  → the pending computation's seq, or the rejection code
//	execute   → the executor's status
//	callback  → outcome, effect seq, written or emitted nonce, decrypted value
//
// Everything is deterministic: keys come from testutil.NewReader seeds, the
// wall clock is a testutil.WallClock, notification ids are sequential and
// each scenario gets a fresh in-memory store. The same scenario therefore
// produces a byte-identical trace, which RunWithGolden compares against
// testdata/golden/{name}.golden.
//
// Steps can shape the result before it is delivered:
//
//	hold: true        dispatch only; a later deliver step executes it
//	abort: true       the executor reports an aborted computation
//	signatures: 1     attach only the first n node signatures
//
// Decrypted values are computed with the test cluster's key. The engine
// itself never sees plaintext.
package harness
