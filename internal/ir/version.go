package ir

// Version constants pinned into persisted formats.
const (
	// JournalFormatVersion is written after the journal magic.
	JournalFormatVersion = 1

	// SchemeVersion names the Merkle hashing scheme recorded on every
	// snapshot. Verifiers refuse snapshots sealed under another scheme.
	SchemeVersion = "formdb-merkle/v1"

	// EngineVersion is the formdbg engine version.
	EngineVersion = "0.1.0"
)
