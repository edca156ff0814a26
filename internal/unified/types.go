package unified

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is the tagged union of message content variants. Only the
// fields matching Type are meaningful.
type ContentBlock struct {
	Type BlockType

	// BlockText
	Text string

	// BlockToolUse
	ID    string
	Name  string
	Input map[string]any

	// BlockToolResult
	ToolUseID string
	Content   any
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID string, content any) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content}
}

// Message is one turn of a conversation. Tool results only appear in
// user-role messages.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// ToolDefinition describes a tool exposed to the model. ParameterSchema is a
// JSON Schema object. Name sanitization for specific backends is a transform
// concern; the canonical name only has to be non-empty.
type ToolDefinition struct {
	Name            string
	Description     string
	ParameterSchema map[string]any
}

// Metadata carries request-scoped routing information.
type Metadata struct {
	RequestID string
	Category  string
}

// Request is the vendor-neutral inbound request.
type Request struct {
	Model       string
	Messages    []Message
	System      string
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
	Stream      bool
	Thinking    bool
	Metadata    Metadata
}

// StopReason is the canonical termination vocabulary.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
	StopError        StopReason = "error"
)

// Usage is token accounting. Missing wire fields map to zero, never omitted.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the vendor-neutral completion result. Role is always assistant.
// Diagnostics records anomalies that were repaired during conversion (for
// example unparseable tool-call arguments) instead of silently dropping them.
type Response struct {
	ID          string
	Model       string
	Role        Role
	Content     []ContentBlock
	StopReason  StopReason
	Usage       Usage
	Diagnostics []string
}
