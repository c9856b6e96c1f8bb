package stream

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ds2openai/internal/config"
	"ds2openai/internal/sse"
)

var (
	ErrStreamBroken = errors.New("upstream stream ended before completion")
	ErrIdleTimeout  = errors.New("upstream stream idle timeout")
)

const (
	FinishStop  = "stop"
	FinishError = "error"

	foldOpen  = "<details><summary>Thinking</summary><pre>"
	foldClose = "</pre></details>\n\n"
)

var citationMarker = regexp.MustCompile(`\[citation:\d+\]`)

type State int

const (
	StateInit State = iota
	StateAnswering
	StateThinking
	StateSearchCiting
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAnswering:
		return "answering"
	case StateThinking:
		return "thinking"
	case StateSearchCiting:
		return "search_citing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type OutputKind int

const (
	OutputContent OutputKind = iota + 1
	OutputReasoning
	OutputFinish
)

// Output is one caller-visible segment. Finish outputs are always last.
type Output struct {
	Kind         OutputKind
	Text         string
	FinishReason string
	Citations    []sse.Citation
	MessageID    string
	Err          error
}

// Transcoder shapes decoded upstream events for one request according to
// the model variant.
type Transcoder struct {
	variant   config.Variant
	state     State
	folding   bool
	pending   string
	citations map[int]sse.Citation
	messageID string
}

func NewTranscoder(v config.Variant) *Transcoder {
	return &Transcoder{variant: v, citations: map[int]sse.Citation{}}
}

func (t *Transcoder) State() State { return t.state }

func (t *Transcoder) Terminal() bool {
	return t.state == StateDone || t.state == StateErrored
}

func (t *Transcoder) MessageID() string { return t.messageID }

// Feed advances the state machine by one event.
func (t *Transcoder) Feed(ev sse.Event) []Output {
	if t.Terminal() {
		return nil
	}
	switch ev.Kind {
	case sse.KindThinking:
		return t.thinking(ev.Text)
	case sse.KindAnswer:
		return t.answer(ev.Text)
	case sse.KindCitation:
		t.state = StateSearchCiting
		for _, c := range ev.Citations {
			t.citations[c.Index] = c
		}
		return nil
	case sse.KindMeta:
		if ev.MessageID != "" {
			t.messageID = ev.MessageID
		}
		return nil
	case sse.KindDone:
		return t.finish(FinishStop, nil)
	case sse.KindError:
		msg := strings.TrimSpace(ev.Text)
		if msg == "" {
			msg = "upstream reported an error"
		}
		return t.finish(FinishError, fmt.Errorf("%w: %s", ErrStreamBroken, msg))
	default:
		return nil
	}
}

// Finish closes the stream. A nil cause on a stream that never reached Done
// still finishes with "error" so truncation is visible.
func (t *Transcoder) Finish(cause error) []Output {
	if t.Terminal() {
		return nil
	}
	if cause == nil {
		cause = ErrStreamBroken
	}
	return t.finish(FinishError, cause)
}

func (t *Transcoder) thinking(text string) []Output {
	t.state = StateThinking
	if text == "" || t.variant.Silent {
		return nil
	}
	if t.variant.Fold {
		if !t.folding {
			t.folding = true
			return []Output{{Kind: OutputContent, Text: foldOpen + text}}
		}
		return []Output{{Kind: OutputContent, Text: text}}
	}
	return []Output{{Kind: OutputReasoning, Text: text}}
}

func (t *Transcoder) answer(text string) []Output {
	t.state = StateAnswering
	var out []Output
	if t.folding {
		t.folding = false
		out = append(out, Output{Kind: OutputContent, Text: foldClose})
	}
	if text = t.clean(text); text != "" {
		out = append(out, Output{Kind: OutputContent, Text: text})
	}
	return out
}

// clean strips citation markers, holding back a trailing fragment that may
// be the start of a marker split across events.
func (t *Transcoder) clean(text string) string {
	if !t.variant.Search {
		return text
	}
	text = t.pending + text
	t.pending = ""
	if i := strings.LastIndexByte(text, '['); i >= 0 && !strings.Contains(text[i:], "]") && partialMarker(text[i:]) {
		t.pending = text[i:]
		text = text[:i]
	}
	return citationMarker.ReplaceAllString(text, "")
}

func partialMarker(s string) bool {
	const head = "[citation:"
	if len(s) <= len(head) {
		return strings.HasPrefix(head, s)
	}
	if !strings.HasPrefix(s, head) {
		return false
	}
	for _, r := range s[len(head):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (t *Transcoder) finish(reason string, cause error) []Output {
	var out []Output
	if t.pending != "" {
		out = append(out, Output{Kind: OutputContent, Text: t.pending})
		t.pending = ""
	}
	if t.folding {
		t.folding = false
		out = append(out, Output{Kind: OutputContent, Text: foldClose})
	}
	cites := t.sortedCitations()
	if reason == FinishStop && t.variant.Search && !t.variant.Silent && len(cites) > 0 {
		out = append(out, Output{Kind: OutputContent, Text: sourcesBlock(cites)})
	}
	if reason == FinishStop {
		t.state = StateDone
	} else {
		t.state = StateErrored
		config.Logger.Warn("[stream] finished with error", "error", cause)
	}
	out = append(out, Output{
		Kind:         OutputFinish,
		FinishReason: reason,
		Citations:    cites,
		MessageID:    t.messageID,
		Err:          cause,
	})
	return out
}

func (t *Transcoder) sortedCitations() []sse.Citation {
	if len(t.citations) == 0 {
		return nil
	}
	out := make([]sse.Citation, 0, len(t.citations))
	for _, c := range t.citations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func sourcesBlock(cites []sse.Citation) string {
	var b strings.Builder
	b.WriteString("\n\nSources:\n")
	for _, c := range cites {
		b.WriteString("[")
		b.WriteString(strconv.Itoa(c.Index))
		b.WriteString("] ")
		if c.Title != "" {
			b.WriteString(c.Title)
			b.WriteString(" - ")
		}
		b.WriteString(c.URL)
		b.WriteString("\n")
	}
	return b.String()
}
