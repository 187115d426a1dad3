package ir

// Version constants for the compiled endpoint format and the server.
const (
	// IRVersion is the compiled endpoint schema version.
	IRVersion = "1"

	// EngineVersion is the sqlpoint version.
	EngineVersion = "0.3.0"
)
