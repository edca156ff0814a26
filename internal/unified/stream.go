package unified

// EventType discriminates StreamEvent variants. The vocabulary mirrors the
// Anthropic SSE assembly protocol.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// StreamEvent is one element of the incremental assembly sequence. For each
// content index the producer emits exactly one start, zero or more deltas and
// exactly one stop; starts and stops for one index never interleave out of
// order, though distinct indices may.
type StreamEvent struct {
	Type EventType

	// EventMessageStart
	MessageID string
	Model     string

	// Block events
	Index int
	Block *ContentBlock // EventContentBlockStart: the opening block shape

	// EventContentBlockDelta: exactly one of the two is set
	TextDelta   string
	ArgFragment string // partial JSON of tool input, arrival order

	// EventMessageDelta
	StopReason StopReason
	Usage      *Usage

	// EventError
	ErrKind    string
	ErrMessage string
}
