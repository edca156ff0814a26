package transform

import (
	"strings"

	"github.com/google/uuid"
)

// Per-target tool naming constraints. Rewrites are pure functions of the
// input name so the same canonical name always maps to the same wire name and
// log round-trips stay reproducible.
type nameRule struct {
	maxLen      int
	allowed     func(r rune) bool
	leadAllowed func(r rune) bool
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

var nameRules = map[Format]nameRule{
	FormatAnthropic: {
		maxLen:      128,
		allowed:     func(r rune) bool { return isAlnum(r) || r == '_' || r == '-' },
		leadAllowed: func(r rune) bool { return isAlnum(r) || r == '_' || r == '-' },
	},
	FormatOpenAI: {
		maxLen:      64,
		allowed:     func(r rune) bool { return isAlnum(r) || r == '_' || r == '-' },
		leadAllowed: func(r rune) bool { return isAlnum(r) || r == '_' || r == '-' },
	},
	FormatGemini: {
		maxLen:      63,
		allowed:     func(r rune) bool { return isAlnum(r) || r == '_' || r == '.' || r == '-' },
		leadAllowed: func(r rune) bool { return isAlpha(r) || r == '_' },
	},
}

// sanitizeToolName rewrites a canonical tool name to satisfy the target's
// character-set and length constraints: disallowed characters become '_', an
// invalid leading character gets a "t_" prefix, and the result is truncated
// to the target's maximum length.
func sanitizeToolName(name string, format Format) string {
	rule, ok := nameRules[format]
	if !ok || name == "" {
		return name
	}

	var b strings.Builder
	for _, r := range name {
		if rule.allowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	out := b.String()
	if out == "" {
		out = "_"
	}

	if !rule.leadAllowed(rune(out[0])) {
		out = "t_" + out
	}

	if len(out) > rule.maxLen {
		out = out[:rule.maxLen]
	}

	return out
}

// newToolUseID mints a unique tool_use block ID in the canonical "toolu_"
// namespace, used when a backend delivers tool calls without IDs.
func newToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// wireToolCallID converts a canonical tool_use ID into the OpenAI tool call
// namespace and back. IDs minted by either side survive the round trip.
func wireToolCallID(id string) string {
	if strings.HasPrefix(id, "toolu_") {
		return "call_" + strings.TrimPrefix(id, "toolu_")
	}
	return id
}

// canonicalToolCallID converts a backend tool call ID into the canonical
// "toolu_" namespace.
func canonicalToolCallID(id string) string {
	switch {
	case id == "":
		return newToolUseID()
	case strings.HasPrefix(id, "toolu_"):
		return id
	case strings.HasPrefix(id, "call_"):
		return "toolu_" + strings.TrimPrefix(id, "call_")
	default:
		return "toolu_" + id
	}
}
