package logwriter

// Stream selects which per-session log files are written.
type Stream uint8

const (
	// StreamContext enables context.md, the human-readable conversation
	// log.
	StreamContext Stream = 1 << iota

	// StreamVerbose enables verbose.md, which adds model reasoning and
	// untruncated tool output.
	StreamVerbose

	// StreamRaw enables raw.jsonl, the provider wire-level log.
	StreamRaw
)

// Has reports whether flag is enabled.
func (s Stream) Has(flag Stream) bool { return s&flag != 0 }
