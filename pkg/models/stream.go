package models

// StreamEvent is a single event from a provider stream.
//
// Exactly one field group is populated per event. A well-formed stream
// delivers any number of delta events and terminates with exactly one
// Complete event (or an Err). Providers normalize their wire formats into
// this vocabulary before events reach the session loop; an empty upstream
// response still yields one synthetic Complete with an empty message.
type StreamEvent struct {
	// ContentDelta carries a fragment of assistant text.
	ContentDelta string `json:"content_delta,omitempty"`

	// ReasoningDelta carries a fragment of thinking text. Reasoning is
	// surfaced to observers but never stored in context.
	ReasoningDelta string `json:"reasoning_delta,omitempty"`

	// ToolCallStarted announces that the provider began emitting a tool
	// call at the given block index.
	ToolCallStarted *ToolCallStart `json:"tool_call_started,omitempty"`

	// Complete carries the fully assembled assistant message and marks the
	// end of the stream.
	Complete *Message `json:"complete,omitempty"`

	// Err terminates the stream with a provider failure.
	Err error `json:"-"`
}

// ToolCallStart identifies a tool call as it begins streaming.
type ToolCallStart struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Name  string `json:"name"`
}
