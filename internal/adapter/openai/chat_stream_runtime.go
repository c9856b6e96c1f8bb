package openai

import (
	"encoding/json"
	"net/http"
	"strings"

	"ds2openai/internal/chat"
	openaifmt "ds2openai/internal/format/openai"
	"ds2openai/internal/stream"
)

// chatStreamRuntime turns transcoder outputs into OpenAI chunk frames.
// Headers go out with the first frame; until then a failure is answered
// with a JSON error instead.
type chatStreamRuntime struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	canFlush bool

	completionID   string
	created        int64
	model          string
	conversationID string

	started        bool
	firstChunkSent bool
	thinking       strings.Builder
	text           strings.Builder
}

func newChatStreamRuntime(w http.ResponseWriter, completionID string, created int64, model, conversationID string) *chatStreamRuntime {
	_, canFlush := w.(http.Flusher)
	return &chatStreamRuntime{
		w:              w,
		rc:             http.NewResponseController(w),
		canFlush:       canFlush,
		completionID:   completionID,
		created:        created,
		model:          model,
		conversationID: conversationID,
	}
}

func (s *chatStreamRuntime) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if s.conversationID != "" {
		h.Set(conversationHeader, s.conversationID)
	}
	s.w.WriteHeader(http.StatusOK)
}

func (s *chatStreamRuntime) flush() error {
	if !s.canFlush {
		return nil
	}
	return s.rc.Flush()
}

func (s *chatStreamRuntime) sendKeepAlive() {
	s.start()
	if _, err := s.w.Write([]byte(": keep-alive\n\n")); err != nil {
		return
	}
	_ = s.flush()
}

func (s *chatStreamRuntime) sendChunk(v any) error {
	s.start()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(b)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, b...)
	frame = append(frame, "\n\n"...)
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.flush()
}

func (s *chatStreamRuntime) sendDone() {
	s.start()
	_, _ = s.w.Write([]byte("data: [DONE]\n\n"))
	_ = s.flush()
}

func (s *chatStreamRuntime) sendDelta(delta map[string]any) error {
	if !s.firstChunkSent {
		delta["role"] = "assistant"
		s.firstChunkSent = true
	}
	return s.sendChunk(openaifmt.BuildChatStreamChunk(
		s.completionID,
		s.created,
		s.model,
		[]map[string]any{openaifmt.BuildChatStreamDeltaChoice(0, delta)},
		nil,
	))
}

// onOutput streams text deltas. The finish output is held back until the
// turn has settled so the final chunk can carry the conversation id.
func (s *chatStreamRuntime) onOutput(o stream.Output) error {
	switch o.Kind {
	case stream.OutputContent:
		if o.Text == "" {
			return nil
		}
		s.text.WriteString(o.Text)
		return s.sendDelta(map[string]any{"content": o.Text})
	case stream.OutputReasoning:
		if o.Text == "" {
			return nil
		}
		s.thinking.WriteString(o.Text)
		return s.sendDelta(map[string]any{"reasoning_content": o.Text})
	}
	return nil
}

func (s *chatStreamRuntime) finalize(res chat.Result) {
	if !s.firstChunkSent {
		_ = s.sendDelta(map[string]any{"content": ""})
	}
	finishReason := res.FinishReason
	if finishReason == "" {
		finishReason = stream.FinishStop
	}
	chunk := openaifmt.BuildChatStreamChunk(
		s.completionID,
		s.created,
		s.model,
		[]map[string]any{openaifmt.BuildChatStreamFinishChoice(0, finishReason)},
		openaifmt.BuildChatUsage(res.Prompt, s.thinking.String(), s.text.String()),
	)
	if len(res.Citations) > 0 {
		chunk["citations"] = openaifmt.BuildCitations(res.Citations)
	}
	if res.ConversationID != "" {
		chunk["conversation_id"] = res.ConversationID
	}
	if res.Err != nil {
		status, code := errorStatus(res.Err)
		chunk["error"] = openaifmt.BuildError(status, res.Err.Error(), code)["error"]
	}
	_ = s.sendChunk(chunk)
	s.sendDone()
}

// fail reports an error that happened after headers were sent.
func (s *chatStreamRuntime) fail(err error) {
	status, code := errorStatus(err)
	_ = s.sendChunk(openaifmt.BuildError(status, err.Error(), code))
	s.sendDone()
}

func (s *chatStreamRuntime) hooks() chat.Hooks {
	return chat.Hooks{OnKeepAlive: s.sendKeepAlive, OnOutput: s.onOutput}
}
