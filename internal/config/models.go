package config

import "strings"

type ModelInfo struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	OwnedBy    string `json:"owned_by"`
	Permission []any  `json:"permission,omitempty"`
}

// Variant is the set of behavior switches encoded in a model name.
type Variant struct {
	Thinking bool
	Search   bool
	Silent   bool
	Fold     bool
}

var modelIDs = []string{
	"deepseek",
	"deepseek-search",
	"deepseek-think",
	"deepseek-r1",
	"deepseek-r1-search",
	"deepseek-think-search",
	"deepseek-think-silent",
	"deepseek-r1-silent",
	"deepseek-search-silent",
	"deepseek-think-fold",
	"deepseek-r1-fold",
	"deepseek-chat",
	"deepseek-reasoner",
	"deepseek-chat-search",
	"deepseek-reasoner-search",
}

var DeepSeekModels = buildModels(modelIDs)

func buildModels(ids []string) []ModelInfo {
	out := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, ModelInfo{ID: id, Object: "model", Created: 1677610602, OwnedBy: "deepseek", Permission: []any{}})
	}
	return out
}

// ParseVariant reports the variant switches for a supported model name.
func ParseVariant(model string) (Variant, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if !IsSupportedModel(m) {
		return Variant{}, false
	}
	return Variant{
		Thinking: strings.Contains(m, "think") || strings.Contains(m, "r1") || strings.Contains(m, "reasoner"),
		Search:   strings.Contains(m, "search"),
		Silent:   strings.Contains(m, "silent"),
		Fold:     strings.Contains(m, "fold"),
	}, true
}

func IsSupportedModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, id := range modelIDs {
		if id == m {
			return true
		}
	}
	return false
}

func FindModel(model string) (ModelInfo, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, info := range DeepSeekModels {
		if info.ID == m {
			return info, true
		}
	}
	return ModelInfo{}, false
}

func OpenAIModelsResponse() map[string]any {
	return map[string]any{"object": "list", "data": DeepSeekModels}
}
