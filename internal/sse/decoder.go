package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ds2openai/internal/deepseek"
)

const (
	pathContent       = "response/content"
	pathThinking      = "response/thinking_content"
	pathStatus        = "response/status"
	pathSearchResults = "response/search_results"
	pathFragments     = "response/fragments"
)

// Decoder turns upstream "data:" lines into events. It is stateful because
// patch-style lines may omit the path and append to the previous one.
type Decoder struct {
	path         string
	fragmentKind Kind
}

func NewDecoder() *Decoder {
	return &Decoder{fragmentKind: KindAnswer}
}

// Decode parses one raw line. Non-data lines yield no events.
func (d *Decoder) Decode(line []byte) ([]Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' || !bytes.HasPrefix(line, []byte("data:")) {
		return nil, nil
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return nil, nil
	}
	if string(payload) == "[DONE]" {
		return []Event{{Kind: KindDone}}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("%w: stream line is not a json object: %s", deepseek.ErrProtocolChange, clip(payload))
	}
	switch {
	case obj["choices"] != nil:
		return d.decodeChoices(obj)
	case obj["v"] != nil || obj["p"] != nil:
		return d.decodePatch(obj)
	case obj["error"] != nil:
		return []Event{{Kind: KindError, Text: errorText(obj["error"])}}, nil
	case obj["code"] != nil && obj["msg"] != nil:
		var msg string
		_ = json.Unmarshal(obj["msg"], &msg)
		return []Event{{Kind: KindError, Text: msg}}, nil
	case obj["response_message_id"] != nil || obj["request_message_id"] != nil:
		if id := numberString(obj["response_message_id"]); id != "" {
			return []Event{{Kind: KindMeta, MessageID: id}}, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized stream event: %s", deepseek.ErrProtocolChange, clip(payload))
	}
}

type choice struct {
	Delta *struct {
		Content json.RawMessage `json:"content"`
		Type    string          `json:"type"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

func (d *Decoder) decodeChoices(obj map[string]json.RawMessage) ([]Event, error) {
	var choices []choice
	if err := json.Unmarshal(obj["choices"], &choices); err != nil {
		return nil, fmt.Errorf("%w: choices: %v", deepseek.ErrProtocolChange, err)
	}
	var out []Event
	if id := numberString(obj["message_id"]); id != "" {
		out = append(out, Event{Kind: KindMeta, MessageID: id})
	}
	for _, c := range choices {
		if c.Delta != nil && len(c.Delta.Content) > 0 {
			switch strings.ToLower(c.Delta.Type) {
			case "thinking":
				if text := stringValue(c.Delta.Content); text != "" {
					out = append(out, Event{Kind: KindThinking, Text: text})
				}
			case "search_result":
				if cites := decodeCitations(c.Delta.Content); len(cites) > 0 {
					out = append(out, Event{Kind: KindCitation, Citations: cites})
				}
			default:
				if text := stringValue(c.Delta.Content); text != "" {
					out = append(out, Event{Kind: KindAnswer, Text: text})
				}
			}
		}
		if c.FinishReason != "" {
			out = append(out, Event{Kind: KindDone})
		}
	}
	return out, nil
}

func (d *Decoder) decodePatch(obj map[string]json.RawMessage) ([]Event, error) {
	if raw, ok := obj["p"]; ok {
		var p string
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: patch path: %v", deepseek.ErrProtocolChange, err)
		}
		d.path = p
	}
	v := bytes.TrimSpace(obj["v"])
	if len(v) == 0 {
		return nil, nil
	}
	switch v[0] {
	case '"':
		return d.patchString(stringValue(v)), nil
	case '{':
		return d.patchObject(v)
	case '[':
		return d.patchArray(v)
	default:
		return nil, nil
	}
}

func (d *Decoder) patchString(text string) []Event {
	switch {
	case d.path == pathStatus:
		if strings.EqualFold(text, "FINISHED") {
			return []Event{{Kind: KindDone}}
		}
		return nil
	case d.path == pathThinking:
		return textEvent(KindThinking, text)
	case d.path == "" || d.path == pathContent:
		return textEvent(KindAnswer, text)
	case strings.HasPrefix(d.path, pathFragments) && strings.HasSuffix(d.path, "/content"):
		return textEvent(d.fragmentKind, text)
	default:
		return nil
	}
}

func (d *Decoder) patchObject(v json.RawMessage) ([]Event, error) {
	var wrapper struct {
		Response *struct {
			MessageID json.RawMessage `json:"message_id"`
			Fragments []fragment      `json:"fragments"`
		} `json:"response"`
	}
	if err := json.Unmarshal(v, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: patch object: %v", deepseek.ErrProtocolChange, err)
	}
	if wrapper.Response == nil {
		return nil, nil
	}
	var out []Event
	if id := numberString(wrapper.Response.MessageID); id != "" {
		out = append(out, Event{Kind: KindMeta, MessageID: id})
	}
	out = append(out, d.fragments(wrapper.Response.Fragments)...)
	return out, nil
}

func (d *Decoder) patchArray(v json.RawMessage) ([]Event, error) {
	switch {
	case d.path == pathSearchResults || strings.HasSuffix(d.path, "/results"):
		if cites := decodeCitations(v); len(cites) > 0 {
			return []Event{{Kind: KindCitation, Citations: cites}}, nil
		}
		return nil, nil
	case d.path == pathFragments:
		var frags []fragment
		if err := json.Unmarshal(v, &frags); err != nil {
			return nil, fmt.Errorf("%w: fragments: %v", deepseek.ErrProtocolChange, err)
		}
		return d.fragments(frags), nil
	default:
		return nil, nil
	}
}

type fragment struct {
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Results json.RawMessage `json:"results"`
}

func (d *Decoder) fragments(frags []fragment) []Event {
	var out []Event
	for _, f := range frags {
		switch strings.ToUpper(f.Type) {
		case "THINK", "THINKING":
			d.fragmentKind = KindThinking
		case "SEARCH":
			if cites := decodeCitations(f.Results); len(cites) > 0 {
				out = append(out, Event{Kind: KindCitation, Citations: cites})
			}
			continue
		default:
			d.fragmentKind = KindAnswer
		}
		out = append(out, textEvent(d.fragmentKind, f.Content)...)
	}
	return out
}

func textEvent(kind Kind, text string) []Event {
	if text == "" {
		return nil
	}
	return []Event{{Kind: kind, Text: text}}
}

func decodeCitations(raw json.RawMessage) []Citation {
	var items []struct {
		URL       string `json:"url"`
		Title     string `json:"title"`
		CiteIndex int    `json:"cite_index"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return nil
	}
	out := make([]Citation, 0, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.URL) == "" {
			continue
		}
		idx := it.CiteIndex
		if idx <= 0 {
			idx = i + 1
		}
		out = append(out, Citation{Index: idx, URL: it.URL, Title: it.Title})
	}
	return out
}

func stringValue(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func numberString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String()
		}
	}
	if s := stringValue(raw); s != "" {
		return s
	}
	return ""
}

func errorText(raw json.RawMessage) string {
	if s := stringValue(raw); s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Msg
	}
	return "upstream error"
}

func clip(b []byte) string {
	if len(b) > 120 {
		return string(b[:120])
	}
	return string(b)
}
