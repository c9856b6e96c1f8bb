package session

import (
	"fmt"
	"strings"
)

// Continuation is the upstream state a follow-up turn must send.
type Continuation struct {
	ChatSessionID   string
	ParentMessageID string
}

func (c Continuation) Empty() bool { return c.ChatSessionID == "" }

// String renders "<chat_session_id>@<parent_message_id>".
func (c Continuation) String() string {
	if c.Empty() {
		return ""
	}
	return c.ChatSessionID + "@" + c.ParentMessageID
}

func ParseContinuation(raw string) (Continuation, error) {
	raw = strings.TrimSpace(raw)
	sid, pid, ok := strings.Cut(raw, "@")
	if !ok || sid == "" {
		return Continuation{}, fmt.Errorf("%w: malformed continuation %q", ErrConversationState, raw)
	}
	return Continuation{ChatSessionID: sid, ParentMessageID: pid}, nil
}
