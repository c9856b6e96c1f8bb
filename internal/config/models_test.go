package config

import "testing"

func TestParseVariantSwitches(t *testing.T) {
	cases := map[string]Variant{
		"deepseek":               {},
		"deepseek-search":        {Search: true},
		"deepseek-r1":            {Thinking: true},
		"deepseek-think-silent":  {Thinking: true, Silent: true},
		"deepseek-r1-fold":       {Thinking: true, Fold: true},
		"deepseek-search-silent": {Search: true, Silent: true},
		"DeepSeek-Reasoner":      {Thinking: true},
	}
	for model, want := range cases {
		got, ok := ParseVariant(model)
		if !ok {
			t.Fatalf("expected %s to be supported", model)
		}
		if got != want {
			t.Fatalf("model %s: expected %+v, got %+v", model, want, got)
		}
	}
}

func TestParseVariantUnknownModel(t *testing.T) {
	if _, ok := ParseVariant("gpt-4o"); ok {
		t.Fatal("expected unknown model to be rejected")
	}
}

func TestOpenAIModelsResponseListsCatalogue(t *testing.T) {
	resp := OpenAIModelsResponse()
	data, _ := resp["data"].([]ModelInfo)
	if len(data) != len(modelIDs) {
		t.Fatalf("expected %d models, got %d", len(modelIDs), len(data))
	}
	if _, ok := FindModel("deepseek-think-fold"); !ok {
		t.Fatal("expected fold model in catalogue")
	}
}
