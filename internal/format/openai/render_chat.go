package openai

import (
	"strings"
	"time"

	"ds2openai/internal/sse"
	"ds2openai/internal/util"
)

// BuildChatCompletion renders a non-streaming chat completion.
func BuildChatCompletion(completionID, model, finalPrompt, finalThinking, finalText, finishReason string, citations []sse.Citation) map[string]any {
	if finishReason == "" {
		finishReason = "stop"
	}
	messageObj := map[string]any{"role": "assistant", "content": finalText}
	if strings.TrimSpace(finalThinking) != "" {
		messageObj["reasoning_content"] = finalThinking
	}
	out := map[string]any{
		"id":      completionID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{"index": 0, "message": messageObj, "finish_reason": finishReason}},
		"usage":   BuildChatUsage(finalPrompt, finalThinking, finalText),
	}
	if len(citations) > 0 {
		out["citations"] = BuildCitations(citations)
	}
	return out
}

func BuildChatStreamDeltaChoice(index int, delta map[string]any) map[string]any {
	return map[string]any{
		"delta": delta,
		"index": index,
	}
}

func BuildChatStreamFinishChoice(index int, finishReason string) map[string]any {
	return map[string]any{
		"delta":         map[string]any{},
		"index":         index,
		"finish_reason": finishReason,
	}
}

func BuildChatStreamChunk(completionID string, created int64, model string, choices []map[string]any, usage map[string]any) map[string]any {
	out := map[string]any{
		"id":      completionID,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": choices,
	}
	if len(usage) > 0 {
		out["usage"] = usage
	}
	return out
}

func BuildCitations(citations []sse.Citation) []map[string]any {
	out := make([]map[string]any, 0, len(citations))
	for _, c := range citations {
		item := map[string]any{"index": c.Index, "url": c.URL}
		if c.Title != "" {
			item["title"] = c.Title
		}
		out = append(out, item)
	}
	return out
}

// BuildChatUsage estimates token counts. The prompt is what was actually
// sent upstream, which for a continued conversation is only the latest turn.
func BuildChatUsage(sentPrompt, thinking, text string) map[string]any {
	counts := struct{ prompt, reasoning, answer int }{
		prompt:    util.EstimateTokens(sentPrompt),
		reasoning: util.EstimateTokens(thinking),
		answer:    util.EstimateTokens(text),
	}
	completion := counts.reasoning + counts.answer
	return map[string]any{
		"prompt_tokens":             counts.prompt,
		"completion_tokens":         completion,
		"total_tokens":              counts.prompt + completion,
		"completion_tokens_details": map[string]any{"reasoning_tokens": counts.reasoning},
	}
}
