package transform

import (
	"encoding/json"
	"fmt"

	"github.com/modelgate/modelgate/internal/unified"
)

// Gemini generateContent wire shapes.

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	SafetySettings    []geminiSafetySet `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiSafetySet struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
	ResponseID    string               `json:"responseId"`
	Error         *geminiError         `json:"error"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content"`
	FinishReason string         `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

var geminiStopReasons = map[string]unified.StopReason{
	"STOP":                      unified.StopEndTurn,
	"MAX_TOKENS":                unified.StopMaxTokens,
	"SAFETY":                    unified.StopStopSequence,
	"RECITATION":                unified.StopStopSequence,
	"LANGUAGE":                  unified.StopStopSequence,
	"BLOCKLIST":                 unified.StopStopSequence,
	"PROHIBITED_CONTENT":        unified.StopStopSequence,
	"SPII":                      unified.StopStopSequence,
	"MALFORMED_FUNCTION_CALL":   unified.StopToolUse,
	"OTHER":                     unified.StopEndTurn,
	"FINISH_REASON_UNSPECIFIED": unified.StopEndTurn,
	"":                          unified.StopEndTurn,
}

// Safety filtering stays off; the gateway is a transparent relay and callers
// apply their own policy.
var geminiSafetyOff = []geminiSafetySet{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
}

func encodeGeminiRequest(req *unified.Request) ([]byte, error) {
	out := geminiRequest{SafetySettings: geminiSafetyOff}

	// Gemini supports the system prompt natively as a top-level field.
	if req.System != "" {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.System}},
		}
	}

	// Gemini correlates tool results by function name, not call ID, so the
	// name has to be recovered from the tool_use block the result answers.
	toolNames := make(map[string]string)
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			if block.Type == unified.BlockToolUse {
				toolNames[block.ID] = block.Name
			}
		}
	}

	for _, msg := range req.Messages {
		content, err := encodeGeminiMessage(msg, toolNames)
		if err != nil {
			return nil, err
		}
		out.Contents = append(out.Contents, content)
	}

	if req.MaxTokens > 0 || req.Temperature != nil {
		out.GenerationConfig = &geminiGenConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        sanitizeToolName(tool.Name, FormatGemini),
				Description: tool.Description,
				Parameters:  tool.ParameterSchema,
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return json.Marshal(out)
}

func encodeGeminiMessage(msg unified.Message, toolNames map[string]string) (geminiContent, error) {
	role := "user"
	if msg.Role == unified.RoleAssistant {
		role = "model"
	}

	var parts []geminiPart
	for _, block := range msg.Content {
		switch block.Type {
		case unified.BlockText:
			parts = append(parts, geminiPart{Text: block.Text})
		case unified.BlockToolUse:
			parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
				Name: sanitizeToolName(block.Name, FormatGemini),
				Args: block.Input,
			}})
		case unified.BlockToolResult:
			// Gemini requires a structured response object, so bare strings
			// get wrapped.
			response := block.Content
			if s, ok := response.(string); ok {
				response = map[string]any{"content": s}
			}
			if response == nil {
				response = map[string]any{}
			}
			name := toolNames[block.ToolUseID]
			if name == "" {
				name = block.ToolUseID
			}
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     sanitizeToolName(name, FormatGemini),
				Response: response,
			}})
		}
	}

	return geminiContent{Role: role, Parts: parts}, nil
}

func decodeGeminiResponse(data []byte, req *unified.Request) (*unified.Response, error) {
	var wire geminiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &unified.TransformError{
			Format: string(FormatGemini),
			Reason: fmt.Sprintf("unmarshal response: %v", err),
		}
	}

	if wire.Error != nil {
		return nil, &unified.BackendError{
			Provider: string(FormatGemini),
			Status:   wire.Error.Code,
			Class:    classifyGeminiError(wire.Error.Status),
			Message:  wire.Error.Message,
		}
	}

	if len(wire.Candidates) == 0 {
		return nil, &unified.TransformError{Format: string(FormatGemini), Reason: "no candidates in response"}
	}

	candidate := wire.Candidates[0]
	resp := &unified.Response{
		ID:    wire.ResponseID,
		Model: wire.ModelVersion,
		Role:  unified.RoleAssistant,
	}
	if resp.Model == "" && req != nil {
		resp.Model = req.Model
	}

	hasToolUse := false
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				resp.Content = append(resp.Content, unified.TextBlock(part.Text))
			}
			if part.FunctionCall != nil {
				hasToolUse = true
				input := part.FunctionCall.Args
				if input == nil {
					input = map[string]any{}
				}
				resp.Content = append(resp.Content, unified.ToolUseBlock(
					newToolUseID(), part.FunctionCall.Name, input))
			}
		}
	}

	stop, err := mapStopReason(candidate.FinishReason, geminiStopReasons, FormatGemini)
	if err != nil {
		return nil, err
	}
	resp.StopReason = stop
	if hasToolUse {
		// Gemini reports STOP even when the turn ended on a function call.
		resp.StopReason = unified.StopToolUse
	} else if stop == unified.StopToolUse {
		resp.Content = append(resp.Content, degenerateToolUse(FormatGemini, candidate.FinishReason))
	}

	if wire.UsageMetadata != nil {
		resp.Usage = unified.Usage{
			InputTokens:  wire.UsageMetadata.PromptTokenCount,
			OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
		}
	}

	return resp, nil
}

func classifyGeminiError(status string) unified.Classification {
	switch status {
	case "RESOURCE_EXHAUSTED":
		return unified.ClassRateLimited
	case "INTERNAL", "UNAVAILABLE", "DEADLINE_EXCEEDED":
		return unified.ClassRetryable
	default:
		return unified.ClassNonRetryable
	}
}

// feedGemini handles one streamGenerateContent chunk. Gemini delivers
// function call arguments whole rather than fragmented, so each functionCall
// part opens a block, carries one argument fragment and is closed by the next
// block or the end of stream.
func (d *StreamDecoder) feedGemini(chunk []byte) ([]unified.StreamEvent, error) {
	var wire geminiResponse
	if err := json.Unmarshal(chunk, &wire); err != nil {
		return nil, &unified.TransformError{
			Format: string(FormatGemini),
			Reason: fmt.Sprintf("unmarshal stream chunk: %v", err),
		}
	}

	if wire.Error != nil {
		kind := "api_error"
		if wire.Error.Status == "RESOURCE_EXHAUSTED" {
			kind = "rate_limit_error"
		}
		return d.failStream(kind, wire.Error.Message, classifyGeminiError(wire.Error.Status)), nil
	}

	events := d.start(wire.ResponseID, wire.ModelVersion)

	if wire.UsageMetadata != nil {
		d.usage = &unified.Usage{
			InputTokens:  wire.UsageMetadata.PromptTokenCount,
			OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
		}
	}

	if len(wire.Candidates) == 0 {
		return events, nil
	}
	candidate := wire.Candidates[0]

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				events = append(events, d.appendText(part.Text)...)
			}
			if part.FunctionCall != nil {
				idx, startEvents := d.openTool("", part.FunctionCall.Name)
				events = append(events, startEvents...)
				if part.FunctionCall.Args != nil {
					args, err := json.Marshal(part.FunctionCall.Args)
					if err == nil {
						events = append(events, d.appendArgs(idx, string(args))...)
					}
				}
			}
		}
	}

	if candidate.FinishReason != "" {
		mapped, err := mapStopReason(candidate.FinishReason, geminiStopReasons, FormatGemini)
		if err != nil {
			return events, err
		}
		if mapped != unified.StopToolUse && d.hasToolBlock() {
			mapped = unified.StopToolUse
		}
		events = append(events, d.resolveStop(candidate.FinishReason, mapped)...)
	}

	return events, nil
}
