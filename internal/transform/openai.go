package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelgate/modelgate/internal/unified"
)

// OpenAI chat completions wire shapes.

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	Tools               []openAITool    `json:"tools,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name string `json:"name"`
	// Arguments is a JSON-encoded string on the wire, not a nested object.
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string            `json:"type"`
	Function openAIFunctionDef `json:"function"`
}

type openAIFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Error   *openAIError   `json:"error"`
}

type openAIChoice struct {
	Message      *openAIChoiceMessage `json:"message"`
	FinishReason *string              `json:"finish_reason"`
}

type openAIChoiceMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openAIStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
	Error   *openAIError         `json:"error"`
}

type openAIStreamChoice struct {
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Content   *string                `json:"content"`
	ToolCalls []openAIStreamToolCall `json:"tool_calls"`
}

type openAIStreamToolCall struct {
	Index    *int               `json:"index"`
	ID       string             `json:"id"`
	Function openAIFunctionCall `json:"function"`
}

var openAIStopReasons = map[string]unified.StopReason{
	"stop":           unified.StopEndTurn,
	"length":         unified.StopMaxTokens,
	"tool_calls":     unified.StopToolUse,
	"function_call":  unified.StopToolUse,
	"content_filter": unified.StopStopSequence,
	"null":           unified.StopEndTurn,
	"":               unified.StopEndTurn,
}

func encodeOpenAIRequest(req *unified.Request) ([]byte, error) {
	out := openAIRequest{
		Model:               req.Model,
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         req.Temperature,
		Stream:              req.Stream,
	}

	// Chat completions carry the system prompt as the first message.
	if req.System != "" {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		wireMsgs, err := encodeOpenAIMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, wireMsgs...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        sanitizeToolName(tool.Name, FormatOpenAI),
				Description: tool.Description,
				Parameters:  tool.ParameterSchema,
			},
		})
	}

	return json.Marshal(out)
}

// encodeOpenAIMessage maps one unified message onto the chat completions
// message convention. Tool results become separate role:"tool" messages.
func encodeOpenAIMessage(msg unified.Message) ([]openAIMessage, error) {
	var (
		out       []openAIMessage
		text      strings.Builder
		toolCalls []openAIToolCall
	)

	for _, block := range msg.Content {
		switch block.Type {
		case unified.BlockText:
			text.WriteString(block.Text)
		case unified.BlockToolUse:
			args, err := json.Marshal(block.Input)
			if err != nil {
				return nil, &unified.TransformError{
					Format: string(FormatOpenAI),
					Reason: fmt.Sprintf("marshal tool input for %s: %v", block.Name, err),
				}
			}
			toolCalls = append(toolCalls, openAIToolCall{
				ID:   wireToolCallID(block.ID),
				Type: "function",
				Function: openAIFunctionCall{
					Name:      sanitizeToolName(block.Name, FormatOpenAI),
					Arguments: string(args),
				},
			})
		case unified.BlockToolResult:
			out = append(out, openAIMessage{
				Role:       "tool",
				ToolCallID: wireToolCallID(block.ToolUseID),
				Content:    stringifyToolResult(block.Content),
			})
		}
	}

	if text.Len() > 0 || len(toolCalls) > 0 || len(out) == 0 {
		out = append(out, openAIMessage{
			Role:      string(msg.Role),
			Content:   text.String(),
			ToolCalls: toolCalls,
		})
	}

	return out, nil
}

func stringifyToolResult(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func decodeOpenAIResponse(data []byte, req *unified.Request) (*unified.Response, error) {
	var wire openAIResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &unified.TransformError{
			Format: string(FormatOpenAI),
			Reason: fmt.Sprintf("unmarshal response: %v", err),
		}
	}

	if wire.Error != nil {
		return nil, &unified.BackendError{
			Provider: string(FormatOpenAI),
			Class:    classifyOpenAIError(wire.Error.Type),
			Message:  wire.Error.Message,
		}
	}

	if len(wire.Choices) == 0 {
		return nil, &unified.TransformError{Format: string(FormatOpenAI), Reason: "no choices in response"}
	}

	choice := wire.Choices[0]
	if choice.Message == nil {
		return nil, &unified.TransformError{Format: string(FormatOpenAI), Reason: "no message in choice"}
	}

	resp := &unified.Response{
		ID:    wire.ID,
		Model: wire.Model,
		Role:  unified.RoleAssistant,
	}
	if resp.Model == "" && req != nil {
		resp.Model = req.Model
	}

	if choice.Message.Content != nil && *choice.Message.Content != "" {
		resp.Content = append(resp.Content, unified.TextBlock(*choice.Message.Content))
	}

	for _, call := range choice.Message.ToolCalls {
		input, diag := parseToolArguments(call.Function.Arguments, call.ID)
		if diag != "" {
			resp.Diagnostics = append(resp.Diagnostics, diag)
		}
		resp.Content = append(resp.Content, unified.ToolUseBlock(
			canonicalToolCallID(call.ID), call.Function.Name, input))
	}

	wireReason := ""
	if choice.FinishReason != nil {
		wireReason = *choice.FinishReason
	}
	stop, err := mapStopReason(wireReason, openAIStopReasons, FormatOpenAI)
	if err != nil {
		return nil, err
	}
	resp.StopReason = stop

	if stop == unified.StopToolUse && len(choice.Message.ToolCalls) == 0 {
		resp.Content = append(resp.Content, degenerateToolUse(FormatOpenAI, wireReason))
	}

	if wire.Usage != nil {
		resp.Usage = unified.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}

	return resp, nil
}

// parseToolArguments decodes a JSON-encoded argument string. A malformed
// payload yields an empty input plus a diagnostic rather than a lost block.
func parseToolArguments(arguments, callID string) (map[string]any, string) {
	if arguments == "" {
		return map[string]any{}, ""
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return map[string]any{}, fmt.Sprintf("tool call %s: unparseable arguments: %v", callID, err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, ""
}

func classifyOpenAIError(errType string) unified.Classification {
	switch errType {
	case "rate_limit_error", "insufficient_quota":
		return unified.ClassRateLimited
	case "server_error", "overloaded_error":
		return unified.ClassRetryable
	default:
		return unified.ClassNonRetryable
	}
}

// feedOpenAI handles one chat completions SSE delta chunk.
func (d *StreamDecoder) feedOpenAI(chunk []byte) ([]unified.StreamEvent, error) {
	var wire openAIStreamChunk
	if err := json.Unmarshal(chunk, &wire); err != nil {
		return nil, &unified.TransformError{
			Format: string(FormatOpenAI),
			Reason: fmt.Sprintf("unmarshal stream chunk: %v", err),
		}
	}

	if wire.Error != nil {
		return d.failStream(wire.Error.Type, wire.Error.Message, classifyOpenAIError(wire.Error.Type)), nil
	}

	events := d.start(wire.ID, wire.Model)

	if wire.Usage != nil {
		d.usage = &unified.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}

	if len(wire.Choices) == 0 {
		return events, nil
	}
	choice := wire.Choices[0]

	// Tool call fragments take precedence over interleaved empty content.
	if len(choice.Delta.ToolCalls) > 0 {
		for _, call := range choice.Delta.ToolCalls {
			toolEvents, err := d.feedOpenAIToolCall(call)
			if err != nil {
				return events, err
			}
			events = append(events, toolEvents...)
		}
	} else if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		events = append(events, d.appendText(*choice.Delta.Content)...)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		mapped, err := mapStopReason(*choice.FinishReason, openAIStopReasons, FormatOpenAI)
		if err != nil {
			return events, err
		}
		events = append(events, d.resolveStop(*choice.FinishReason, mapped)...)
	}

	return events, nil
}

// feedOpenAIToolCall routes one tool call fragment to its assembly block.
// Fragments are correlated by the wire-level tool index when present, falling
// back to the call ID, and argument text is appended strictly in arrival
// order.
func (d *StreamDecoder) feedOpenAIToolCall(call openAIStreamToolCall) ([]unified.StreamEvent, error) {
	idx := -1
	if call.Index != nil {
		if existing, ok := d.toolIndexByWire[*call.Index]; ok {
			idx = existing
		}
	}
	if idx == -1 && call.ID != "" {
		if existing, ok := d.toolIndexByID[call.ID]; ok {
			idx = existing
		}
	}

	var events []unified.StreamEvent
	if idx == -1 {
		// First fragment for this call: a fragment with neither ID nor name
		// cannot open a block and is dropped.
		if call.ID == "" && call.Function.Name == "" {
			return nil, nil
		}
		var startEvents []unified.StreamEvent
		idx, startEvents = d.openTool(call.ID, call.Function.Name)
		if call.Index != nil {
			d.toolIndexByWire[*call.Index] = idx
		}
		events = append(events, startEvents...)
	}

	events = append(events, d.appendArgs(idx, call.Function.Arguments)...)
	return events, nil
}
