package stream

import (
	"strings"

	"ds2openai/internal/sse"
)

// Result is the whole turn as a non-streaming caller sees it.
type Result struct {
	Content      string
	Reasoning    string
	FinishReason string
	Citations    []sse.Citation
	MessageID    string
	Err          error
}

// Clean reports whether the turn reached a normal finish.
func (r Result) Clean() bool {
	return r.FinishReason == FinishStop && r.Err == nil
}

// Aggregate collects outputs into a Result. Only the first finish output
// counts.
type Aggregate struct {
	content   strings.Builder
	reasoning strings.Builder
	finished  bool
	finish    Output
}

func (a *Aggregate) Add(o Output) {
	if a.finished {
		return
	}
	switch o.Kind {
	case OutputContent:
		a.content.WriteString(o.Text)
	case OutputReasoning:
		a.reasoning.WriteString(o.Text)
	case OutputFinish:
		a.finished = true
		a.finish = o
	}
}

func (a *Aggregate) Result() Result {
	r := Result{Content: a.content.String(), Reasoning: a.reasoning.String()}
	if !a.finished {
		r.FinishReason = FinishError
		r.Err = ErrStreamBroken
		return r
	}
	r.FinishReason = a.finish.FinishReason
	r.Citations = a.finish.Citations
	r.MessageID = a.finish.MessageID
	r.Err = a.finish.Err
	return r
}

// Collect runs a full transcode over outputs already produced, e.g. for a
// single JSON body converted into events.
func Collect(tr *Transcoder, events []sse.Event) Result {
	agg := &Aggregate{}
	for _, ev := range events {
		for _, o := range tr.Feed(ev) {
			agg.Add(o)
		}
	}
	for _, o := range tr.Finish(nil) {
		agg.Add(o)
	}
	return agg.Result()
}
