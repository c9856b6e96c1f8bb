package stream

import (
	"bufio"
	"context"
	"io"
	"time"

	"ds2openai/internal/sse"
)

const maxLineBytes = 2 * 1024 * 1024

type ConsumeConfig struct {
	Context           context.Context
	Body              io.Reader
	Transcoder        *Transcoder
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
}

type ConsumeHooks struct {
	OnKeepAlive func()
	// OnOutput returning an error aborts the stream; the result then
	// finishes with "error" and carries that error.
	OnOutput func(Output) error
}

// Consume reads the upstream body line by line, feeds the transcoder and
// hands each output to the hooks. It returns once a finish output has been
// produced.
func Consume(cfg ConsumeConfig, hooks ConsumeHooks) Result {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr := cfg.Transcoder
	agg := &Aggregate{}
	emit := func(outs []Output) bool {
		for _, o := range outs {
			agg.Add(o)
			if hooks.OnOutput == nil {
				continue
			}
			if err := hooks.OnOutput(o); err != nil {
				if o.Kind != OutputFinish {
					agg.Add(Output{Kind: OutputFinish, FinishReason: FinishError, Err: err, MessageID: tr.MessageID()})
				}
				return false
			}
		}
		return !tr.Terminal()
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(cfg.Body)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	var keepAlive <-chan time.Time
	if cfg.KeepAliveInterval > 0 && hooks.OnKeepAlive != nil {
		ticker := time.NewTicker(cfg.KeepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}
	var idle *time.Timer
	var idleC <-chan time.Time
	if cfg.IdleTimeout > 0 {
		idle = time.NewTimer(cfg.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	dec := sse.NewDecoder()
	for {
		select {
		case <-ctx.Done():
			emit(tr.Finish(ctx.Err()))
			return agg.Result()
		case <-keepAlive:
			hooks.OnKeepAlive()
		case <-idleC:
			emit(tr.Finish(ErrIdleTimeout))
			return agg.Result()
		case err := <-scanErr:
			emit(tr.Finish(err))
			return agg.Result()
		case line := <-lines:
			if idle != nil {
				idle.Reset(cfg.IdleTimeout)
			}
			events, err := dec.Decode(line)
			if err != nil {
				emit(tr.Finish(err))
				return agg.Result()
			}
			for _, ev := range events {
				if !emit(tr.Feed(ev)) {
					return agg.Result()
				}
			}
		}
	}
}
