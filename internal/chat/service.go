package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"ds2openai/internal/account"
	"ds2openai/internal/apikey"
	"ds2openai/internal/config"
	"ds2openai/internal/deepseek"
	"ds2openai/internal/pow"
	"ds2openai/internal/session"
	"ds2openai/internal/stream"
	"ds2openai/internal/util"
)

// directPrefix marks session bindings made with a caller-supplied upstream
// token instead of a pooled account.
const directPrefix = "direct:"

type Upstream interface {
	FetchChallenge(ctx context.Context, token, targetPath string) (*pow.Challenge, error)
	CreateSession(ctx context.Context, token, accountID string) (string, error)
	Completion(ctx context.Context, token, powHeader, accountID string, req deepseek.CompletionRequest) (io.ReadCloser, error)
}

type Solver interface {
	SolveHeader(ctx context.Context, ch pow.Challenge) (string, error)
}

type Registry interface {
	IsKey(credential string) bool
	Select(ctx context.Context, id, prefer string, exclude map[string]bool) (account.Lease, error)
}

type Pool interface {
	Usable(id string) bool
	Report(id string, outcome account.Outcome, cause error)
}

type Sessions interface {
	Resolve(ctx context.Context, callerID, conversationID string, usable func(string) bool) (*session.Handle, error)
	Adopt(callerID, conversationID, accountID string, cont session.Continuation) error
}

type Options struct {
	KeepAlive   time.Duration
	IdleTimeout time.Duration
}

// Service runs one chat turn end to end: credential, conversation,
// challenge, upstream call, transcoding and outcome reporting.
type Service struct {
	upstream Upstream
	solver   Solver
	registry Registry
	pool     Pool
	sessions Sessions
	opts     Options
}

func NewService(upstream Upstream, solver Solver, registry Registry, pool Pool, sessions Sessions, opts Options) *Service {
	return &Service{
		upstream: upstream,
		solver:   solver,
		registry: registry,
		pool:     pool,
		sessions: sessions,
		opts:     opts,
	}
}

type Request struct {
	util.StandardRequest
	Credential string
	CallerID   string
}

type Hooks struct {
	OnKeepAlive func()
	OnOutput    func(stream.Output) error
}

type Result struct {
	stream.Result
	Prompt         string
	AccountID      string
	ConversationID string
	Continuation   session.Continuation
}

// credential is how a request talks to the upstream: a registry key
// drawing from the pool, or a token the caller supplied.
type credential struct {
	keyID string
	token string
}

func (c credential) pooled() bool { return c.keyID != "" }

func (s *Service) resolveCredential(raw string) (credential, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return credential{}, deepseek.ErrTokenRejected
	case s.registry != nil && s.registry.IsKey(raw):
		return credential{keyID: raw}, nil
	case apikey.LooksLikeKey(raw):
		return credential{}, apikey.ErrNotFound
	default:
		return credential{token: raw}, nil
	}
}

func (s *Service) usable(id string) bool {
	if strings.HasPrefix(id, directPrefix) {
		return true
	}
	return s.pool != nil && s.pool.Usable(id)
}

// Complete runs the turn. Errors returned before any output was emitted
// leave the conversation untouched; once the upstream stream is open the
// outcome is in Result and err is nil.
func (s *Service) Complete(ctx context.Context, req Request, hooks Hooks) (Result, error) {
	cred, err := s.resolveCredential(req.Credential)
	if err != nil {
		return Result{}, err
	}
	handle, err := s.sessions.Resolve(ctx, req.CallerID, req.ConversationID, s.usable)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", session.ErrConversationState, err)
	}
	defer handle.Release()

	exclude := map[string]bool{}
	transientRetried := false
	var lastErr error
	for {
		lease, err := s.lease(ctx, cred, req.CallerID, handle.AccountID(), exclude)
		if err != nil {
			if errors.Is(err, account.ErrNoAvailableAccount) && lastErr != nil && deepseek.IsTransient(lastErr) {
				return Result{}, lastErr
			}
			return Result{}, err
		}
		body, cont, prompt, err := s.open(ctx, lease, handle, req)
		if err != nil {
			lease.Release()
			lastErr = err
			switch {
			case errors.Is(err, deepseek.ErrTokenRejected) && cred.pooled():
				s.pool.Report(lease.AccountID, account.OutcomeAuthRejected, err)
				exclude[lease.AccountID] = true
				continue
			case deepseek.IsTransient(err) && cred.pooled() && !transientRetried:
				s.pool.Report(lease.AccountID, account.OutcomeTransient, err)
				exclude[lease.AccountID] = true
				transientRetried = true
				continue
			case deepseek.IsTransient(err) && cred.pooled():
				s.pool.Report(lease.AccountID, account.OutcomeTransient, err)
			}
			return Result{}, err
		}
		res := s.consume(ctx, body, req.Variant, hooks)
		_ = body.Close()
		lease.Release()
		return s.settle(handle, lease, cred, req, prompt, cont, res), nil
	}
}

func (s *Service) lease(ctx context.Context, cred credential, callerID, bound string, exclude map[string]bool) (account.Lease, error) {
	if !cred.pooled() {
		if len(exclude) > 0 {
			return account.Lease{}, account.ErrNoAvailableAccount
		}
		return account.Lease{AccountID: directPrefix + callerID, Token: cred.token}, nil
	}
	return s.registry.Select(ctx, cred.keyID, bound, exclude)
}

// open prepares the upstream conversation and starts the completion. The
// stored continuation is reused only on the account that created it.
func (s *Service) open(ctx context.Context, lease account.Lease, handle *session.Handle, req Request) (io.ReadCloser, session.Continuation, string, error) {
	cont := handle.Continuation()
	if handle.AccountID() != lease.AccountID {
		cont = session.Continuation{}
	}
	upstreamID := lease.AccountID
	if cont.Empty() {
		sid, err := s.upstream.CreateSession(ctx, lease.Token, upstreamID)
		if err != nil {
			return nil, cont, "", err
		}
		cont = session.Continuation{ChatSessionID: sid}
	}
	header, err := s.challenge(ctx, lease.Token)
	if err != nil {
		return nil, cont, "", err
	}
	prompt := req.Prompt(cont.ParentMessageID != "")
	body, err := s.upstream.Completion(ctx, lease.Token, header, upstreamID, deepseek.CompletionRequest{
		ChatSessionID:   cont.ChatSessionID,
		ParentMessageID: deepseek.ParentID(cont.ParentMessageID),
		Prompt:          prompt,
		SearchEnabled:   req.Variant.Search,
		ThinkingEnabled: req.Variant.Thinking,
	})
	if err != nil {
		return nil, cont, "", err
	}
	return body, cont, prompt, nil
}

func (s *Service) challenge(ctx context.Context, token string) (string, error) {
	ch, err := s.upstream.FetchChallenge(ctx, token, pow.CompletionTargetPath)
	if err != nil || ch == nil {
		return "", err
	}
	return s.solver.SolveHeader(ctx, *ch)
}

func (s *Service) consume(ctx context.Context, body io.Reader, v config.Variant, hooks Hooks) stream.Result {
	return stream.Consume(stream.ConsumeConfig{
		Context:           ctx,
		Body:              body,
		Transcoder:        stream.NewTranscoder(v),
		KeepAliveInterval: s.opts.KeepAlive,
		IdleTimeout:       s.opts.IdleTimeout,
	}, stream.ConsumeHooks{
		OnKeepAlive: hooks.OnKeepAlive,
		OnOutput:    hooks.OnOutput,
	})
}

// settle reports the outcome and, on a clean finish only, records the new
// continuation.
func (s *Service) settle(handle *session.Handle, lease account.Lease, cred credential, req Request, prompt string, cont session.Continuation, res stream.Result) Result {
	out := Result{Result: res, Prompt: prompt, AccountID: lease.AccountID, ConversationID: handle.ConversationID()}
	if !res.Clean() {
		if cred.pooled() {
			s.pool.Report(lease.AccountID, account.OutcomeTransient, res.Err)
		}
		config.Logger.Warn("[chat] turn did not finish cleanly", "account", lease.AccountID, "finish_reason", res.FinishReason, "error", res.Err)
		return out
	}
	if cred.pooled() {
		s.pool.Report(lease.AccountID, account.OutcomeSuccess, nil)
	}
	if res.MessageID == "" {
		config.Logger.Warn("[chat] upstream sent no message id; conversation not continued", "account", lease.AccountID)
		return out
	}
	next := session.Continuation{ChatSessionID: cont.ChatSessionID, ParentMessageID: res.MessageID}
	out.Continuation = next
	if handle.Stateful() {
		if err := handle.Commit(lease.AccountID, next); err != nil {
			config.Logger.Warn("[chat] commit conversation failed", "conversation", handle.ConversationID(), "error", err)
		}
		return out
	}
	id := "conv-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.sessions.Adopt(req.CallerID, id, lease.AccountID, next); err != nil {
		config.Logger.Warn("[chat] adopt conversation failed", "error", err)
		return out
	}
	out.ConversationID = id
	return out
}
