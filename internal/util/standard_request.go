package util

import "ds2openai/internal/config"

// StandardRequest is a validated chat request in transport-neutral form.
type StandardRequest struct {
	Model          string
	Variant        config.Variant
	Messages       []map[string]any
	Stream         bool
	ConversationID string
}

// Prompt renders the prompt for the turn. A continued conversation only
// sends the newest turn.
func (r StandardRequest) Prompt(continued bool) string {
	if continued {
		if latest := LatestTurn(r.Messages); len(latest) > 0 {
			return MessagesPrepare(latest)
		}
	}
	return MessagesPrepare(r.Messages)
}
