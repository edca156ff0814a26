// Package transform converts requests, responses and streaming chunks between
// the unified model and each supported backend wire format. Each format is a
// closed variant: adding a backend means adding a Format constant and its
// codec pair, nothing else changes.
package transform

import (
	"fmt"

	"github.com/modelgate/modelgate/internal/unified"
)

// Format identifies a backend wire protocol.
type Format string

const (
	FormatAnthropic Format = "anthropic"
	FormatOpenAI    Format = "openai"
	FormatGemini    Format = "gemini"
)

// ToWire converts a unified request into the target format's request body.
func ToWire(req *unified.Request, format Format) ([]byte, error) {
	switch format {
	case FormatAnthropic:
		return encodeAnthropicRequest(req)
	case FormatOpenAI:
		return encodeOpenAIRequest(req)
	case FormatGemini:
		return encodeGeminiRequest(req)
	default:
		return nil, &unified.TransformError{Format: string(format), Reason: "unsupported wire format"}
	}
}

// FromWireResponse converts a complete (non-streaming) backend response into
// the unified model. The original request provides context such as the model
// name when the wire response omits it.
func FromWireResponse(data []byte, format Format, req *unified.Request) (*unified.Response, error) {
	switch format {
	case FormatAnthropic:
		return decodeAnthropicResponse(data, req)
	case FormatOpenAI:
		return decodeOpenAIResponse(data, req)
	case FormatGemini:
		return decodeGeminiResponse(data, req)
	default:
		return nil, &unified.TransformError{Format: string(format), Reason: "unsupported wire format"}
	}
}

// mapStopReason resolves a wire finish/stop reason through a fixed table.
// Unknown values fail fast so provider vocabulary drift surfaces instead of
// being silently defaulted away.
func mapStopReason(reason string, table map[string]unified.StopReason, format Format) (unified.StopReason, error) {
	if mapped, ok := table[reason]; ok {
		return mapped, nil
	}
	return "", &unified.TransformError{
		Format: string(format),
		Reason: fmt.Sprintf("unknown stop reason %q", reason),
	}
}

// degenerateToolUse builds the synthetic block emitted when a backend claims a
// tool call stop but delivers no tool call payload. Keeps the caller invariant
// that stop_reason=tool_use implies at least one tool_use block, while making
// the backend defect observable.
func degenerateToolUse(format Format, originalStopReason string) unified.ContentBlock {
	return unified.ToolUseBlock(newToolUseID(), "missing_tool_call", map[string]any{
		"reason":               "missing tool call data",
		"provider":             string(format),
		"original_stop_reason": originalStopReason,
	})
}
