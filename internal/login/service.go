package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ds2openai/internal/config"
	"ds2openai/internal/deepseek"
	"ds2openai/internal/pow"
)

var (
	ErrInvalidCredentials  = deepseek.ErrInvalidCredentials
	ErrUpstreamUnavailable = deepseek.ErrUpstreamUnavailable
	ErrChallengeFailed     = errors.New("login challenge failed")
	ErrTokenExtraction     = errors.New("login returned no usable token")
)

// Upstream is the slice of the upstream client the login protocol needs.
type Upstream interface {
	FetchChallenge(ctx context.Context, token, targetPath string) (*pow.Challenge, error)
	Login(ctx context.Context, identifier, password, powHeader string) (string, error)
	VerifyToken(ctx context.Context, token string) error
}

type Solver interface {
	SolveHeader(ctx context.Context, ch pow.Challenge) (string, error)
}

// Service exchanges account credentials for a verified session token.
type Service struct {
	upstream Upstream
	solver   Solver
	timeout  time.Duration
}

func NewService(upstream Upstream, solver Solver, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{upstream: upstream, solver: solver, timeout: timeout}
}

// Login runs challenge, solve, submit, extract and verify. It has no side
// effects beyond the network calls.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return "", fmt.Errorf("%w: missing email or password", ErrInvalidCredentials)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	powHeader, err := s.challenge(ctx)
	if err != nil {
		config.Logger.Warn("[login] challenge failed", "account", email, "error", err)
		return "", err
	}
	token, err := s.upstream.Login(ctx, email, password, powHeader)
	if err != nil {
		config.Logger.Warn("[login] submit failed", "account", email, "error", err)
		if errors.Is(err, deepseek.ErrProtocolChange) {
			return "", fmt.Errorf("%w: %w", ErrTokenExtraction, err)
		}
		return "", classify(err)
	}
	if token == "" {
		return "", ErrTokenExtraction
	}
	if err := s.upstream.VerifyToken(ctx, token); err != nil {
		if errors.Is(err, deepseek.ErrTokenRejected) {
			return "", fmt.Errorf("%w: %v", ErrTokenExtraction, err)
		}
		return "", classify(err)
	}
	config.Logger.Info("[login] success", "account", email)
	return token, nil
}

func (s *Service) challenge(ctx context.Context) (string, error) {
	ch, err := s.upstream.FetchChallenge(ctx, "", pow.LoginTargetPath)
	if err != nil {
		if errors.Is(err, deepseek.ErrUpstreamUnavailable) || ctx.Err() != nil {
			return "", classify(err)
		}
		return "", fmt.Errorf("%w: %v", ErrChallengeFailed, err)
	}
	if ch == nil {
		return "", nil
	}
	header, err := s.solver.SolveHeader(ctx, *ch)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrChallengeFailed, err)
	}
	return header, nil
}

// Verify reports whether a token is currently accepted. Rejection is a
// normal false answer; only transport problems are errors.
func (s *Service) Verify(ctx context.Context, token string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.upstream.VerifyToken(ctx, token)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, deepseek.ErrTokenRejected):
		return false, nil
	default:
		return false, classify(err)
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, deepseek.ErrChallengeRejected):
		return fmt.Errorf("%w: %w", ErrChallengeFailed, err)
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, deepseek.ErrProtocolChange), errors.Is(err, deepseek.ErrBusinessRejected):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	default:
		return err
	}
}
