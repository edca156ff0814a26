package transform

import (
	"strings"

	"github.com/modelgate/modelgate/internal/unified"
)

// blockAssembly is the per-index state of one content block under assembly.
// Argument fragments are concatenated strictly in arrival order; they are not
// valid JSON until the block closes.
type blockAssembly struct {
	typ      unified.BlockType
	started  bool
	stopped  bool
	toolID   string
	toolName string
	args     strings.Builder
	text     strings.Builder
}

// StreamDecoder turns a sequence of wire chunks from one backend stream into
// unified stream events. It is tied to a single network stream: feed chunks in
// arrival order, then call Finish exactly once. A decoder is not restartable
// and not safe for concurrent use; each request owns its own.
type StreamDecoder struct {
	format Format

	messageStartSent bool
	messageID        string
	model            string

	blocks    map[int]*blockAssembly
	order     []int
	nextIndex int

	// OpenAI correlates tool call fragments by a wire-level index that is
	// independent of our block numbering.
	toolIndexByWire map[int]int
	toolIndexByID   map[string]int
	textIndex       int
	textOpen        bool

	stopReason   unified.StopReason
	stopResolved bool
	wireStop     string
	usage        *unified.Usage
	finished     bool
	streamErr    error
}

// NewStreamDecoder creates a decoder for one backend stream.
func NewStreamDecoder(format Format) *StreamDecoder {
	return &StreamDecoder{
		format:          format,
		blocks:          make(map[int]*blockAssembly),
		toolIndexByWire: make(map[int]int),
		toolIndexByID:   make(map[string]int),
		textIndex:       -1,
	}
}

// Feed decodes one wire chunk and returns the unified events it produced.
// Chunks arriving after the message has terminated are ignored.
func (d *StreamDecoder) Feed(chunk []byte) ([]unified.StreamEvent, error) {
	if d.finished {
		return nil, nil
	}
	switch d.format {
	case FormatAnthropic:
		return d.feedAnthropic(chunk)
	case FormatOpenAI:
		return d.feedOpenAI(chunk)
	case FormatGemini:
		return d.feedGemini(chunk)
	default:
		return nil, &unified.TransformError{Format: string(d.format), Reason: "unsupported wire format"}
	}
}

// Finish closes the sequence. Any block that never received a stop signal gets
// one synthesized, and if the backend never delivered a terminal reason the
// message is closed with end_turn.
func (d *StreamDecoder) Finish() []unified.StreamEvent {
	if d.finished || !d.messageStartSent {
		d.finished = true
		return nil
	}

	events := d.closeOpenBlocks()

	// A message_delta already delivered the stop reason; only the closing
	// frame is missing.
	if d.stopResolved {
		d.finished = true
		return append(events, unified.StreamEvent{Type: unified.EventMessageStop})
	}

	return append(events, d.terminate(unified.StopEndTurn)...)
}

// Err reports a terminal error the backend delivered in-band on the stream.
// The caller uses it to feed health accounting: a stream that ended on an
// in-band error is a failed attempt even though the transport saw a clean EOF.
func (d *StreamDecoder) Err() error {
	return d.streamErr
}

// failStream records an in-band backend error and seals the decoder.
func (d *StreamDecoder) failStream(kind, message string, class unified.Classification) []unified.StreamEvent {
	d.finished = true
	d.streamErr = &unified.BackendError{
		Provider: string(d.format),
		Class:    class,
		Message:  message,
	}
	return []unified.StreamEvent{{
		Type:       unified.EventError,
		ErrKind:    kind,
		ErrMessage: message,
	}}
}

func (d *StreamDecoder) start(messageID, model string) []unified.StreamEvent {
	if d.messageStartSent {
		return nil
	}
	d.messageStartSent = true
	if messageID != "" {
		d.messageID = messageID
	}
	if model != "" {
		d.model = model
	}
	return []unified.StreamEvent{{
		Type:      unified.EventMessageStart,
		MessageID: d.messageID,
		Model:     d.model,
	}}
}

// openText returns the index of the text block under assembly, opening one if
// needed, together with the start event when newly opened.
func (d *StreamDecoder) openText() (int, []unified.StreamEvent) {
	if d.textOpen {
		return d.textIndex, nil
	}

	idx := d.allocBlock(&blockAssembly{typ: unified.BlockText, started: true})
	d.textIndex = idx
	d.textOpen = true

	block := unified.TextBlock("")
	return idx, []unified.StreamEvent{{
		Type:  unified.EventContentBlockStart,
		Index: idx,
		Block: &block,
	}}
}

func (d *StreamDecoder) appendText(text string) []unified.StreamEvent {
	idx, events := d.openText()
	d.blocks[idx].text.WriteString(text)
	events = append(events, unified.StreamEvent{
		Type:      unified.EventContentBlockDelta,
		Index:     idx,
		TextDelta: text,
	})
	return events
}

// openTool opens a tool_use block and returns its index plus start event.
// Starting a new block is a terminal signal for whatever was open before it.
func (d *StreamDecoder) openTool(id, name string) (int, []unified.StreamEvent) {
	events := d.closeOpenBlocks()

	asm := &blockAssembly{
		typ:      unified.BlockToolUse,
		started:  true,
		toolID:   id,
		toolName: name,
	}
	idx := d.allocBlock(asm)
	if id != "" {
		d.toolIndexByID[id] = idx
	}

	block := unified.ToolUseBlock(canonicalToolCallID(id), name, map[string]any{})
	events = append(events, unified.StreamEvent{
		Type:  unified.EventContentBlockStart,
		Index: idx,
		Block: &block,
	})
	return idx, events
}

func (d *StreamDecoder) appendArgs(idx int, fragment string) []unified.StreamEvent {
	if fragment == "" {
		return nil
	}
	// A fragment addressed to a block that already received its stop signal
	// cannot be emitted without breaking the start/delta/stop ordering.
	if asm, ok := d.blocks[idx]; !ok || asm.stopped {
		return nil
	}
	d.blocks[idx].args.WriteString(fragment)
	return []unified.StreamEvent{{
		Type:        unified.EventContentBlockDelta,
		Index:       idx,
		ArgFragment: fragment,
	}}
}

func (d *StreamDecoder) allocBlock(asm *blockAssembly) int {
	idx := d.nextIndex
	d.nextIndex++
	d.blocks[idx] = asm
	d.order = append(d.order, idx)
	return idx
}

func (d *StreamDecoder) closeBlock(idx int) []unified.StreamEvent {
	asm, ok := d.blocks[idx]
	if !ok || !asm.started || asm.stopped {
		return nil
	}
	asm.stopped = true
	if asm.typ == unified.BlockText && idx == d.textIndex {
		d.textOpen = false
	}
	return []unified.StreamEvent{{
		Type:  unified.EventContentBlockStop,
		Index: idx,
	}}
}

func (d *StreamDecoder) closeOpenBlocks() []unified.StreamEvent {
	var events []unified.StreamEvent
	for _, idx := range d.order {
		events = append(events, d.closeBlock(idx)...)
	}
	return events
}

func (d *StreamDecoder) hasToolBlock() bool {
	for _, asm := range d.blocks {
		if asm.typ == unified.BlockToolUse {
			return true
		}
	}
	return false
}

// resolveStop handles a wire terminal reason: closes open blocks, applies the
// degenerate tool-call policy, and emits message_delta plus message_stop.
func (d *StreamDecoder) resolveStop(wireReason string, mapped unified.StopReason) []unified.StreamEvent {
	var events []unified.StreamEvent

	// A tool stop without any tool payload is a backend defect; emit the
	// synthetic diagnostic block so the stop reason keeps its promise.
	if mapped == unified.StopToolUse && !d.hasToolBlock() {
		block := degenerateToolUse(d.format, wireReason)
		idx := d.allocBlock(&blockAssembly{
			typ:      unified.BlockToolUse,
			started:  true,
			toolID:   block.ID,
			toolName: block.Name,
		})
		events = append(events, unified.StreamEvent{
			Type:  unified.EventContentBlockStart,
			Index: idx,
			Block: &block,
		})
	}

	events = append(events, d.closeOpenBlocks()...)
	events = append(events, d.terminate(mapped)...)
	return events
}

func (d *StreamDecoder) terminate(reason unified.StopReason) []unified.StreamEvent {
	d.stopReason = reason
	d.stopResolved = true
	d.finished = true

	delta := unified.StreamEvent{
		Type:       unified.EventMessageDelta,
		StopReason: reason,
		Usage:      d.usage,
	}
	return []unified.StreamEvent{delta, {Type: unified.EventMessageStop}}
}
