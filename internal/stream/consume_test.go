package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ds2openai/internal/config"
	"ds2openai/internal/deepseek"
)

func TestConsumeCleanStream(t *testing.T) {
	body := strings.Join([]string{
		`data: {"v":{"response":{"message_id":6}}}`,
		`data: {"p":"response/thinking_content","v":"hm"}`,
		`data: {"p":"response/content","o":"APPEND","v":"Hello"}`,
		`data: {"v":" world"}`,
		`data: {"p":"response/status","o":"SET","v":"FINISHED"}`,
		`data: {"v":"ignored after done"}`,
		"",
	}, "\n")
	var seen []Output
	res := Consume(ConsumeConfig{
		Context:    context.Background(),
		Body:       strings.NewReader(body),
		Transcoder: NewTranscoder(config.Variant{Thinking: true}),
	}, ConsumeHooks{OnOutput: func(o Output) error {
		seen = append(seen, o)
		return nil
	}})
	if !res.Clean() || res.Content != "Hello world" || res.Reasoning != "hm" || res.MessageID != "6" {
		t.Fatalf("unexpected result %#v", res)
	}
	if seen[len(seen)-1].Kind != OutputFinish {
		t.Fatalf("expected finish last, got %#v", seen[len(seen)-1])
	}
}

func TestConsumeEOFWithoutDone(t *testing.T) {
	body := "data: {\"p\":\"response/content\",\"v\":\"cut\"}\n"
	res := Consume(ConsumeConfig{Body: strings.NewReader(body), Transcoder: NewTranscoder(config.Variant{})}, ConsumeHooks{})
	if res.Clean() || res.FinishReason != FinishError || !errors.Is(res.Err, ErrStreamBroken) {
		t.Fatalf("expected broken stream, got %#v", res)
	}
	if res.Content != "cut" {
		t.Fatalf("expected partial content, got %q", res.Content)
	}
}

func TestConsumeProtocolChange(t *testing.T) {
	body := "data: {\"unexpected\":true}\n"
	res := Consume(ConsumeConfig{Body: strings.NewReader(body), Transcoder: NewTranscoder(config.Variant{})}, ConsumeHooks{})
	if !errors.Is(res.Err, deepseek.ErrProtocolChange) {
		t.Fatalf("expected protocol change, got %#v", res)
	}
}

func TestConsumeIdleTimeoutAndKeepAlive(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var ticks atomic.Int32
	res := Consume(ConsumeConfig{
		Body:              pr,
		Transcoder:        NewTranscoder(config.Variant{}),
		KeepAliveInterval: 10 * time.Millisecond,
		IdleTimeout:       80 * time.Millisecond,
	}, ConsumeHooks{OnKeepAlive: func() { ticks.Add(1) }})
	if !errors.Is(res.Err, ErrIdleTimeout) {
		t.Fatalf("expected idle timeout, got %#v", res)
	}
	if ticks.Load() == 0 {
		t.Fatal("expected keep-alive ticks while idle")
	}
}

func TestConsumeAbortsWhenCallerGone(t *testing.T) {
	body := strings.Join([]string{
		`data: {"p":"response/content","v":"a"}`,
		`data: {"v":"b"}`,
		`data: {"p":"response/status","v":"FINISHED"}`,
	}, "\n")
	gone := errors.New("client gone")
	res := Consume(ConsumeConfig{Body: strings.NewReader(body), Transcoder: NewTranscoder(config.Variant{})}, ConsumeHooks{
		OnOutput: func(o Output) error { return gone },
	})
	if res.Clean() || !errors.Is(res.Err, gone) {
		t.Fatalf("expected aborted result, got %#v", res)
	}
}

func TestConsumeContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := Consume(ConsumeConfig{Context: ctx, Body: pr, Transcoder: NewTranscoder(config.Variant{})}, ConsumeHooks{})
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %#v", res)
	}
}
