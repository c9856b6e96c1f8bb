package util

import (
	"regexp"
	"strings"
)

var markdownImagePattern = regexp.MustCompile(`!\[(.*?)\]\((.*?)\)`)

const (
	userMarker      = "<｜User｜>"
	assistantMarker = "<｜Assistant｜>"
	endOfSentence   = "<｜end▁of▁sentence｜>"
)

// MessagesPrepare flattens a chat message list into the single prompt the
// upstream expects. Consecutive messages with the same role are merged.
func MessagesPrepare(messages []map[string]any) string {
	type block struct {
		Role string
		Text string
	}
	processed := make([]block, 0, len(messages))
	for _, m := range messages {
		role, _ := m["role"].(string)
		text := normalizeContent(m["content"])
		processed = append(processed, block{Role: role, Text: text})
	}
	if len(processed) == 0 {
		return ""
	}
	merged := make([]block, 0, len(processed))
	for _, msg := range processed {
		if len(merged) > 0 && merged[len(merged)-1].Role == msg.Role {
			merged[len(merged)-1].Text += "\n\n" + msg.Text
			continue
		}
		merged = append(merged, msg)
	}
	var b strings.Builder
	for i, m := range merged {
		switch m.Role {
		case "assistant":
			b.WriteString(assistantMarker + m.Text + endOfSentence)
		case "user", "system":
			if i > 0 {
				b.WriteString(userMarker)
			}
			b.WriteString(m.Text)
		default:
			b.WriteString(m.Text)
		}
	}
	return markdownImagePattern.ReplaceAllString(b.String(), `[${1}](${2})`)
}

// LatestTurn returns the messages after the last assistant message. A
// continued conversation already holds everything before it upstream.
func LatestTurn(messages []map[string]any) []map[string]any {
	for i := len(messages) - 1; i >= 0; i-- {
		if role, _ := messages[i]["role"].(string); role == "assistant" {
			return messages[i+1:]
		}
	}
	return messages
}

// NormalizeMessages keeps the object entries of a decoded messages array.
func NormalizeMessages(raw []any) []map[string]any {
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func normalizeContent(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// EstimateTokens is a rough count: about 4 ASCII characters per token and
// 1.3 characters per token for other scripts.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	asciiChars := 0
	nonASCIIChars := 0
	for _, r := range text {
		if r < 128 {
			asciiChars++
		} else {
			nonASCIIChars++
		}
	}
	n := asciiChars/4 + (nonASCIIChars*10+7)/13
	if n < 1 {
		return 1
	}
	return n
}
