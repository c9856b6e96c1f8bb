package sse

import (
	"errors"
	"testing"

	"ds2openai/internal/deepseek"
)

func decodeAll(t *testing.T, lines ...string) []Event {
	t.Helper()
	d := NewDecoder()
	var out []Event
	for _, line := range lines {
		evs, err := d.Decode([]byte(line))
		if err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, evs...)
	}
	return out
}

func TestDecodePatchStream(t *testing.T) {
	evs := decodeAll(t,
		`data: {"v":{"response":{"message_id":2,"parent_id":1}}}`,
		`data: {"p":"response/thinking_content","o":"APPEND","v":"let me"}`,
		`data: {"v":" think"}`,
		`data: {"p":"response/content","o":"APPEND","v":"Hel"}`,
		`data: {"v":"lo"}`,
		`data: {"p":"response/accumulated_token_usage","v":12}`,
		`data: {"p":"response/status","o":"SET","v":"FINISHED"}`,
	)
	want := []Event{
		{Kind: KindMeta, MessageID: "2"},
		{Kind: KindThinking, Text: "let me"},
		{Kind: KindThinking, Text: " think"},
		{Kind: KindAnswer, Text: "Hel"},
		{Kind: KindAnswer, Text: "lo"},
		{Kind: KindDone},
	}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %d: %#v", len(want), len(evs), evs)
	}
	for i := range want {
		if evs[i].Kind != want[i].Kind || evs[i].Text != want[i].Text || evs[i].MessageID != want[i].MessageID {
			t.Fatalf("event %d: expected %#v, got %#v", i, want[i], evs[i])
		}
	}
}

func TestDecodeChoicesStream(t *testing.T) {
	evs := decodeAll(t,
		`data: {"choices":[{"index":0,"delta":{"content":"hmm","type":"thinking"}}],"message_id":7}`,
		`data: {"choices":[{"index":0,"delta":{"content":[{"url":"https://a.example","title":"A"}],"type":"search_result"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"Hi[citation:1]","type":"text"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"","type":"text"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	if len(evs) != 6 {
		t.Fatalf("expected 6 events, got %d: %#v", len(evs), evs)
	}
	if evs[0].Kind != KindMeta || evs[0].MessageID != "7" {
		t.Fatalf("expected meta with message id 7, got %#v", evs[0])
	}
	if evs[2].Kind != KindCitation || len(evs[2].Citations) != 1 || evs[2].Citations[0].Index != 1 {
		t.Fatalf("expected one citation, got %#v", evs[2])
	}
	if evs[4].Kind != KindDone || evs[5].Kind != KindDone {
		t.Fatalf("expected done events, got %#v %#v", evs[4], evs[5])
	}
}

func TestDecodeFragmentStream(t *testing.T) {
	evs := decodeAll(t,
		`data: {"p":"response/fragments","o":"APPEND","v":[{"type":"THINK","content":"plan"}]}`,
		`data: {"p":"response/fragments/-1/content","o":"APPEND","v":" more"}`,
		`data: {"p":"response/fragments","o":"APPEND","v":[{"type":"RESPONSE","content":"answer"}]}`,
		`data: {"p":"response/fragments/-1/content","v":"!"}`,
	)
	kinds := []Kind{KindThinking, KindThinking, KindAnswer, KindAnswer}
	if len(evs) != len(kinds) {
		t.Fatalf("expected %d events, got %#v", len(kinds), evs)
	}
	for i, k := range kinds {
		if evs[i].Kind != k {
			t.Fatalf("event %d: expected %s, got %s", i, k, evs[i].Kind)
		}
	}
}

func TestDecodeIgnoresNonDataLines(t *testing.T) {
	evs := decodeAll(t, "", ": keep-alive", "event: ready", "id: 3")
	if len(evs) != 0 {
		t.Fatalf("expected no events, got %#v", evs)
	}
}

func TestDecodeUnknownShapeIsProtocolChange(t *testing.T) {
	d := NewDecoder()
	if _, err := d.Decode([]byte(`data: {"totally":"new"}`)); !errors.Is(err, deepseek.ErrProtocolChange) {
		t.Fatalf("expected ErrProtocolChange, got %v", err)
	}
	if _, err := d.Decode([]byte(`data: not json`)); !errors.Is(err, deepseek.ErrProtocolChange) {
		t.Fatalf("expected ErrProtocolChange for non-json, got %v", err)
	}
}

func TestDecodeUpstreamError(t *testing.T) {
	evs := decodeAll(t, `data: {"error":{"message":"rate limited"}}`)
	if len(evs) != 1 || evs[0].Kind != KindError || evs[0].Text != "rate limited" {
		t.Fatalf("expected error event, got %#v", evs)
	}
}
