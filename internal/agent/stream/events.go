// Package stream converts provider-native incremental chunks into a canonical
// event sequence and assembles completed tool calls without buffering the
// whole model response.
//
// Two wire shapes are supported: Anthropic's block-indexed
// start/delta/stop events and OpenAI's choice deltas with a terminal finish
// reason. The shape is selected by an explicit provider tag supplied by the
// caller; it is never inferred from chunk structure.
package stream

// Provider tags the wire shape an Extractor parses.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Valid reports whether the tag names a supported wire shape.
func (p Provider) Valid() bool {
	return p == ProviderAnthropic || p == ProviderOpenAI
}

// EventKind discriminates canonical stream events.
type EventKind int

const (
	// EventTextDelta carries an incremental fragment of answer text.
	EventTextDelta EventKind = iota

	// EventToolCallStart opens a tool-call content block at an index.
	EventToolCallStart

	// EventToolCallArgDelta carries a partial-JSON argument fragment.
	EventToolCallArgDelta

	// EventToolCallEnd closes the tool-call block at an index.
	EventToolCallEnd
)

// Event is one canonical stream event. Both provider wire shapes map onto
// this sequence before any accumulator state is touched.
type Event struct {
	Kind EventKind

	// Index is the provider-assigned content-block index the event applies
	// to. Text deltas are not index-addressed and leave it at zero.
	Index int

	// Text is the fragment for EventTextDelta.
	Text string

	// CallID and ToolName are set on EventToolCallStart. OpenAI streams the
	// id and name incrementally, so either may arrive on a later ArgDelta
	// merge rather than the opening event.
	CallID   string
	ToolName string

	// ArgDelta is the partial-JSON fragment for EventToolCallArgDelta.
	ArgDelta string
}
