package conversation

// content.go extracts postable text from agent-service message payloads and
// filters out relayed inter-agent traffic.

import (
	"strings"

	"github.com/calyptra/agentfabric/internal/agentservice"
)

// relayPrefixes marks content that originated from another bridge hop and
// must never be echoed back into a room.
var relayPrefixes = []string{
	"[INTER-AGENT MESSAGE from",
	"[MESSAGE FROM OPENCODE USER]",
	"[FORWARDED FROM",
}

// IsRelay reports whether the text is relayed inter-agent content.
func IsRelay(text string) bool {
	trimmed := strings.TrimLeft(text, " \t\n")
	for _, prefix := range relayPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// LongestAssistantText picks the longest assistant_message text from a
// webhook or history payload. Returns "" when no assistant content exists.
func LongestAssistantText(messages []agentservice.Message) string {
	var best string
	for _, msg := range messages {
		if msg.MessageType != "assistant_message" {
			continue
		}
		if text := TextOf(msg.Content); len(text) > len(best) {
			best = text
		}
	}
	return best
}

// TextOf flattens a message content value into plain text. Content arrives
// as a plain string, as an array of typed parts, or as an object with a
// "text" field; every text part is kept, everything else is skipped.
func TextOf(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := part["type"].(string); ok && t != "text" {
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return text
		}
		return ""
	default:
		return ""
	}
}
