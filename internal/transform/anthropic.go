package transform

import (
	"encoding/json"
	"fmt"

	"github.com/modelgate/modelgate/internal/unified"
)

// Anthropic Messages API wire shapes. This codec runs in both directions: the
// gateway speaks it to clients on the front side and to Anthropic backends on
// the upstream side.

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      json.RawMessage    `json:"system,omitempty"`
	Tools       []anthropicToolDef `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Thinking    json.RawMessage    `json:"thinking,omitempty"`
	Metadata    *anthropicMetadata `json:"metadata,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicWireResponse struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Role       string              `json:"role,omitempty"`
	Model      string              `json:"model,omitempty"`
	Content    []anthropicBlock    `json:"content,omitempty"`
	StopReason string              `json:"stop_reason,omitempty"`
	Usage      *anthropicWireUsage `json:"usage,omitempty"`
	Error      *anthropicWireError `json:"error,omitempty"`
}

type anthropicWireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicWireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var anthropicStopReasons = map[string]unified.StopReason{
	"end_turn":      unified.StopEndTurn,
	"max_tokens":    unified.StopMaxTokens,
	"tool_use":      unified.StopToolUse,
	"stop_sequence": unified.StopStopSequence,
	"":              unified.StopEndTurn,
}

// DecodeAnthropicRequest parses an inbound Messages API request into the
// unified model, enforcing the canonical invariants (non-empty model and
// messages, at least one block per message).
func DecodeAnthropicRequest(data []byte) (*unified.Request, error) {
	var wire anthropicRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &unified.TransformError{
			Format: string(FormatAnthropic),
			Reason: fmt.Sprintf("unmarshal request: %v", err),
		}
	}

	if wire.Model == "" {
		return nil, &unified.TransformError{Format: string(FormatAnthropic), Reason: "model is required"}
	}
	if len(wire.Messages) == 0 {
		return nil, &unified.TransformError{Format: string(FormatAnthropic), Reason: "messages must not be empty"}
	}

	req := &unified.Request{
		Model:       wire.Model,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
		Stream:      wire.Stream,
		Thinking:    len(wire.Thinking) > 0,
		System:      decodeAnthropicSystem(wire.System),
	}

	for _, msg := range wire.Messages {
		blocks, err := decodeAnthropicContent(msg.Content)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			return nil, &unified.TransformError{Format: string(FormatAnthropic), Reason: "message content must not be empty"}
		}
		req.Messages = append(req.Messages, unified.Message{
			Role:    unified.Role(msg.Role),
			Content: blocks,
		})
	}

	for _, tool := range wire.Tools {
		if tool.Name == "" {
			return nil, &unified.TransformError{Format: string(FormatAnthropic), Reason: "tool name must not be empty"}
		}
		req.Tools = append(req.Tools, unified.ToolDefinition{
			Name:            tool.Name,
			Description:     tool.Description,
			ParameterSchema: tool.InputSchema,
		})
	}

	return req, nil
}

// decodeAnthropicSystem accepts both the plain-string and block-list system
// prompt shapes.
func decodeAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return ""
}

// decodeAnthropicContent accepts both the shorthand string and block-array
// content shapes.
func decodeAnthropicContent(raw json.RawMessage) ([]unified.ContentBlock, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []unified.ContentBlock{unified.TextBlock(s)}, nil
	}

	var wireBlocks []anthropicBlock
	if err := json.Unmarshal(raw, &wireBlocks); err != nil {
		return nil, &unified.TransformError{
			Format: string(FormatAnthropic),
			Reason: fmt.Sprintf("unmarshal message content: %v", err),
		}
	}

	var blocks []unified.ContentBlock
	for _, b := range wireBlocks {
		switch b.Type {
		case "text":
			blocks = append(blocks, unified.TextBlock(b.Text))
		case "tool_use":
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, unified.ToolUseBlock(b.ID, b.Name, input))
		case "tool_result":
			var content any
			if len(b.Content) > 0 {
				if err := json.Unmarshal(b.Content, &content); err != nil {
					content = string(b.Content)
				}
			}
			blocks = append(blocks, unified.ToolResultBlock(b.ToolUseID, content))
		default:
			return nil, &unified.TransformError{
				Format: string(FormatAnthropic),
				Reason: fmt.Sprintf("unsupported content block type %q", b.Type),
			}
		}
	}

	return blocks, nil
}

func encodeAnthropicRequest(req *unified.Request) ([]byte, error) {
	wire := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}

	if req.System != "" {
		system, err := json.Marshal(req.System)
		if err != nil {
			return nil, err
		}
		wire.System = system
	}

	for _, msg := range req.Messages {
		blocks := make([]anthropicBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			blocks = append(blocks, encodeAnthropicBlock(block))
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: content,
		})
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, anthropicToolDef{
			Name:        sanitizeToolName(tool.Name, FormatAnthropic),
			Description: tool.Description,
			InputSchema: tool.ParameterSchema,
		})
	}

	return json.Marshal(wire)
}

func encodeAnthropicBlock(block unified.ContentBlock) anthropicBlock {
	switch block.Type {
	case unified.BlockToolUse:
		input := block.Input
		if input == nil {
			input = map[string]any{}
		}
		return anthropicBlock{Type: "tool_use", ID: block.ID, Name: block.Name, Input: input}
	case unified.BlockToolResult:
		content, err := json.Marshal(block.Content)
		if err != nil {
			content = []byte(`""`)
		}
		return anthropicBlock{Type: "tool_result", ToolUseID: block.ToolUseID, Content: content}
	default:
		return anthropicBlock{Type: "text", Text: block.Text}
	}
}

func decodeAnthropicResponse(data []byte, req *unified.Request) (*unified.Response, error) {
	var wire anthropicWireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &unified.TransformError{
			Format: string(FormatAnthropic),
			Reason: fmt.Sprintf("unmarshal response: %v", err),
		}
	}

	if wire.Type == "error" && wire.Error != nil {
		return nil, &unified.BackendError{
			Provider: string(FormatAnthropic),
			Class:    classifyAnthropicError(wire.Error.Type),
			Message:  wire.Error.Message,
		}
	}

	resp := &unified.Response{
		ID:    wire.ID,
		Model: wire.Model,
		Role:  unified.RoleAssistant,
	}
	if resp.Model == "" && req != nil {
		resp.Model = req.Model
	}

	hasToolUse := false
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			resp.Content = append(resp.Content, unified.TextBlock(b.Text))
		case "tool_use":
			hasToolUse = true
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			resp.Content = append(resp.Content, unified.ToolUseBlock(b.ID, b.Name, input))
		}
	}

	stop, err := mapStopReason(wire.StopReason, anthropicStopReasons, FormatAnthropic)
	if err != nil {
		return nil, err
	}
	resp.StopReason = stop
	if stop == unified.StopToolUse && !hasToolUse {
		resp.Content = append(resp.Content, degenerateToolUse(FormatAnthropic, wire.StopReason))
	}

	if wire.Usage != nil {
		resp.Usage = unified.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		}
	}

	return resp, nil
}

func classifyAnthropicError(errType string) unified.Classification {
	switch errType {
	case "rate_limit_error":
		return unified.ClassRateLimited
	case "api_error", "overloaded_error":
		return unified.ClassRetryable
	default:
		return unified.ClassNonRetryable
	}
}

// EncodeAnthropicResponse renders a unified response as a Messages API
// response body.
func EncodeAnthropicResponse(resp *unified.Response) ([]byte, error) {
	wire := anthropicWireResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       string(unified.RoleAssistant),
		Model:      resp.Model,
		StopReason: string(resp.StopReason),
		Usage: &anthropicWireUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	wire.Content = make([]anthropicBlock, 0, len(resp.Content))
	for _, block := range resp.Content {
		wire.Content = append(wire.Content, encodeAnthropicBlock(block))
	}

	return json.Marshal(wire)
}

// anthropicStreamEvent is the wire shape of one Messages API SSE payload.
// Index is a pointer so non-block frames omit it entirely.
type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Message      *anthropicWireResponse `json:"message,omitempty"`
	Index        *int                   `json:"index,omitempty"`
	ContentBlock *anthropicBlock        `json:"content_block,omitempty"`
	Delta        *anthropicEventDelta   `json:"delta,omitempty"`
	Usage        *anthropicWireUsage    `json:"usage,omitempty"`
	Error        *anthropicWireError    `json:"error,omitempty"`
}

type anthropicEventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// EncodeAnthropicEvent renders a unified stream event as a Messages API SSE
// frame ("event: <type>\ndata: <json>\n\n").
func EncodeAnthropicEvent(ev unified.StreamEvent) []byte {
	wire := anthropicStreamEvent{Type: string(ev.Type)}

	switch ev.Type {
	case unified.EventContentBlockStart, unified.EventContentBlockDelta, unified.EventContentBlockStop:
		idx := ev.Index
		wire.Index = &idx
	}

	switch ev.Type {
	case unified.EventMessageStart:
		wire.Message = &anthropicWireResponse{
			ID:      ev.MessageID,
			Type:    "message",
			Role:    string(unified.RoleAssistant),
			Model:   ev.Model,
			Content: []anthropicBlock{},
			Usage:   &anthropicWireUsage{},
		}
	case unified.EventContentBlockStart:
		if ev.Block != nil {
			block := encodeAnthropicBlock(*ev.Block)
			wire.ContentBlock = &block
		}
	case unified.EventContentBlockDelta:
		if ev.ArgFragment != "" {
			wire.Delta = &anthropicEventDelta{Type: "input_json_delta", PartialJSON: ev.ArgFragment}
		} else {
			wire.Delta = &anthropicEventDelta{Type: "text_delta", Text: ev.TextDelta}
		}
	case unified.EventMessageDelta:
		wire.Delta = &anthropicEventDelta{StopReason: string(ev.StopReason)}
		if ev.Usage != nil {
			wire.Usage = &anthropicWireUsage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			}
		}
	case unified.EventError:
		wire.Error = &anthropicWireError{Type: ev.ErrKind, Message: ev.ErrMessage}
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return []byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"failed to marshal event\"}}\n\n")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data))
}

// feedAnthropic decodes one Messages API SSE payload. The wire protocol
// already matches the unified assembly protocol, so this is mostly a
// pass-through that keeps enough state to synthesize missing stops.
func (d *StreamDecoder) feedAnthropic(chunk []byte) ([]unified.StreamEvent, error) {
	var wire anthropicStreamEvent
	if err := json.Unmarshal(chunk, &wire); err != nil {
		return nil, &unified.TransformError{
			Format: string(FormatAnthropic),
			Reason: fmt.Sprintf("unmarshal stream event: %v", err),
		}
	}

	idx := 0
	if wire.Index != nil {
		idx = *wire.Index
	}

	switch wire.Type {
	case "message_start":
		id, model := "", ""
		if wire.Message != nil {
			id, model = wire.Message.ID, wire.Message.Model
		}
		return d.start(id, model), nil

	case "content_block_start":
		if wire.ContentBlock == nil {
			return nil, &unified.TransformError{Format: string(FormatAnthropic), Reason: "content_block_start without content_block"}
		}
		return d.startAnthropicBlock(idx, *wire.ContentBlock)

	case "content_block_delta":
		if wire.Delta == nil {
			return nil, nil
		}
		if wire.Delta.Type == "input_json_delta" {
			return d.appendArgs(idx, wire.Delta.PartialJSON), nil
		}
		if asm, ok := d.blocks[idx]; ok && asm.started && !asm.stopped {
			asm.text.WriteString(wire.Delta.Text)
			return []unified.StreamEvent{{
				Type:      unified.EventContentBlockDelta,
				Index:     idx,
				TextDelta: wire.Delta.Text,
			}}, nil
		}
		return nil, nil

	case "content_block_stop":
		return d.closeBlock(idx), nil

	case "message_delta":
		wireReason := ""
		if wire.Delta != nil {
			wireReason = wire.Delta.StopReason
		}
		mapped, err := mapStopReason(wireReason, anthropicStopReasons, FormatAnthropic)
		if err != nil {
			return nil, err
		}
		if wire.Usage != nil {
			d.usage = &unified.Usage{
				InputTokens:  wire.Usage.InputTokens,
				OutputTokens: wire.Usage.OutputTokens,
			}
		}
		d.stopReason = mapped
		d.stopResolved = true
		return []unified.StreamEvent{{
			Type:       unified.EventMessageDelta,
			StopReason: mapped,
			Usage:      d.usage,
		}}, nil

	case "message_stop":
		events := d.closeOpenBlocks()
		d.finished = true
		return append(events, unified.StreamEvent{Type: unified.EventMessageStop}), nil

	case "ping":
		return []unified.StreamEvent{{Type: unified.EventPing}}, nil

	case "error":
		kind, message := "api_error", "stream error"
		if wire.Error != nil {
			kind, message = wire.Error.Type, wire.Error.Message
		}
		return d.failStream(kind, message, classifyAnthropicError(kind)), nil

	default:
		// Unknown event types are dropped rather than failing the stream;
		// Anthropic documents that clients must ignore new event types.
		return nil, nil
	}
}

// startAnthropicBlock registers a block at the wire-assigned index.
func (d *StreamDecoder) startAnthropicBlock(idx int, wireBlock anthropicBlock) ([]unified.StreamEvent, error) {
	if asm, ok := d.blocks[idx]; ok && asm.started && !asm.stopped {
		return nil, &unified.TransformError{
			Format: string(FormatAnthropic),
			Reason: fmt.Sprintf("duplicate content_block_start for index %d", idx),
		}
	}

	asm := &blockAssembly{started: true}
	var block unified.ContentBlock
	switch wireBlock.Type {
	case "tool_use":
		asm.typ = unified.BlockToolUse
		asm.toolID = wireBlock.ID
		asm.toolName = wireBlock.Name
		input := wireBlock.Input
		if input == nil {
			input = map[string]any{}
		}
		block = unified.ToolUseBlock(wireBlock.ID, wireBlock.Name, input)
	default:
		asm.typ = unified.BlockText
		block = unified.TextBlock(wireBlock.Text)
	}

	d.blocks[idx] = asm
	d.order = append(d.order, idx)
	if idx >= d.nextIndex {
		d.nextIndex = idx + 1
	}

	return []unified.StreamEvent{{
		Type:  unified.EventContentBlockStart,
		Index: idx,
		Block: &block,
	}}, nil
}
