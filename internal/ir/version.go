package ir

// Version constants for the wire protocol and engine.
const (
	// ProtocolVersion is the outbound/inbound message version.
	ProtocolVersion = "1"

	// EngineVersion is the cipherq engine version.
	EngineVersion = "0.1.0"
)
