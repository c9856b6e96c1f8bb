package stream

import (
	"errors"
	"strings"
	"testing"

	"ds2openai/internal/config"
	"ds2openai/internal/sse"
)

func feedAll(tr *Transcoder, events ...sse.Event) []Output {
	var out []Output
	for _, ev := range events {
		out = append(out, tr.Feed(ev)...)
	}
	return out
}

func joined(outs []Output, kind OutputKind) string {
	var b strings.Builder
	for _, o := range outs {
		if o.Kind == kind {
			b.WriteString(o.Text)
		}
	}
	return b.String()
}

func TestThinkVariantEmitsReasoning(t *testing.T) {
	tr := NewTranscoder(config.Variant{Thinking: true})
	outs := feedAll(tr,
		sse.Event{Kind: sse.KindThinking, Text: "let me think"},
		sse.Event{Kind: sse.KindAnswer, Text: "answer"},
		sse.Event{Kind: sse.KindDone},
	)
	if got := joined(outs, OutputReasoning); got != "let me think" {
		t.Fatalf("expected reasoning, got %q", got)
	}
	if got := joined(outs, OutputContent); got != "answer" {
		t.Fatalf("expected content, got %q", got)
	}
	last := outs[len(outs)-1]
	if last.Kind != OutputFinish || last.FinishReason != FinishStop || tr.State() != StateDone {
		t.Fatalf("expected clean finish, got %#v state=%s", last, tr.State())
	}
}

func TestSilentVariantDropsThinking(t *testing.T) {
	tr := NewTranscoder(config.Variant{Thinking: true, Silent: true})
	outs := feedAll(tr,
		sse.Event{Kind: sse.KindThinking, Text: "hidden"},
		sse.Event{Kind: sse.KindAnswer, Text: "shown"},
		sse.Event{Kind: sse.KindDone},
	)
	if joined(outs, OutputReasoning) != "" || joined(outs, OutputContent) != "shown" {
		t.Fatalf("expected thinking dropped, got %#v", outs)
	}
}

func TestFoldVariantWrapsThinking(t *testing.T) {
	tr := NewTranscoder(config.Variant{Thinking: true, Fold: true})
	outs := feedAll(tr,
		sse.Event{Kind: sse.KindThinking, Text: "a"},
		sse.Event{Kind: sse.KindThinking, Text: "b"},
		sse.Event{Kind: sse.KindAnswer, Text: "done"},
		sse.Event{Kind: sse.KindDone},
	)
	want := foldOpen + "ab" + foldClose + "done"
	if got := joined(outs, OutputContent); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if joined(outs, OutputReasoning) != "" {
		t.Fatal("expected no reasoning output in fold mode")
	}
}

func TestFoldClosedOnFinishWithoutAnswer(t *testing.T) {
	tr := NewTranscoder(config.Variant{Thinking: true, Fold: true})
	outs := feedAll(tr, sse.Event{Kind: sse.KindThinking, Text: "x"}, sse.Event{Kind: sse.KindDone})
	if got := joined(outs, OutputContent); got != foldOpen+"x"+foldClose {
		t.Fatalf("expected closed fold, got %q", got)
	}
}

func TestSearchStripsMarkersAndAppendsSources(t *testing.T) {
	tr := NewTranscoder(config.Variant{Search: true})
	outs := feedAll(tr,
		sse.Event{Kind: sse.KindCitation, Citations: []sse.Citation{{Index: 2, URL: "https://b", Title: "B"}, {Index: 1, URL: "https://a"}}},
		sse.Event{Kind: sse.KindAnswer, Text: "Fact [citati"},
		sse.Event{Kind: sse.KindAnswer, Text: "on:1] more[citation:2]."},
		sse.Event{Kind: sse.KindDone},
	)
	content := joined(outs, OutputContent)
	if !strings.HasPrefix(content, "Fact  more.") {
		t.Fatalf("expected markers stripped, got %q", content)
	}
	if !strings.Contains(content, "Sources:\n[1] https://a\n[2] B - https://b\n") {
		t.Fatalf("expected sources block, got %q", content)
	}
	last := outs[len(outs)-1]
	if len(last.Citations) != 2 || last.Citations[0].Index != 1 {
		t.Fatalf("expected sorted citations on finish, got %#v", last.Citations)
	}
}

func TestSearchSilentKeepsCitationsOffContent(t *testing.T) {
	tr := NewTranscoder(config.Variant{Search: true, Silent: true})
	outs := feedAll(tr,
		sse.Event{Kind: sse.KindCitation, Citations: []sse.Citation{{Index: 1, URL: "https://a"}}},
		sse.Event{Kind: sse.KindAnswer, Text: "x[citation:1]"},
		sse.Event{Kind: sse.KindDone},
	)
	if got := joined(outs, OutputContent); got != "x" {
		t.Fatalf("expected bare content, got %q", got)
	}
	if len(outs[len(outs)-1].Citations) != 1 {
		t.Fatal("expected citations exposed on finish")
	}
}

func TestNonCitationBracketIsFlushed(t *testing.T) {
	tr := NewTranscoder(config.Variant{Search: true})
	outs := feedAll(tr, sse.Event{Kind: sse.KindAnswer, Text: "array[0] and ["}, sse.Event{Kind: sse.KindDone})
	if got := joined(outs, OutputContent); got != "array[0] and [" {
		t.Fatalf("expected brackets kept, got %q", got)
	}
}

func TestTruncatedStreamFinishesWithError(t *testing.T) {
	tr := NewTranscoder(config.Variant{})
	outs := feedAll(tr, sse.Event{Kind: sse.KindMeta, MessageID: "4"}, sse.Event{Kind: sse.KindAnswer, Text: "partial"})
	outs = append(outs, tr.Finish(nil)...)
	last := outs[len(outs)-1]
	if last.FinishReason != FinishError || !errors.Is(last.Err, ErrStreamBroken) || last.MessageID != "4" {
		t.Fatalf("expected error finish, got %#v", last)
	}
	if joined(outs, OutputContent) != "partial" {
		t.Fatal("expected partial content delivered before error")
	}
	if tr.State() != StateErrored || tr.Feed(sse.Event{Kind: sse.KindAnswer, Text: "late"}) != nil {
		t.Fatal("expected terminal state to ignore further events")
	}
}

func TestUpstreamErrorEvent(t *testing.T) {
	tr := NewTranscoder(config.Variant{})
	outs := tr.Feed(sse.Event{Kind: sse.KindError, Text: "rate limited"})
	if len(outs) != 1 || outs[0].FinishReason != FinishError || !strings.Contains(outs[0].Err.Error(), "rate limited") {
		t.Fatalf("unexpected outputs %#v", outs)
	}
	if tr.Finish(nil) != nil {
		t.Fatal("expected finish after terminal to be a no-op")
	}
}
