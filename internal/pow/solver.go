package pow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"ds2openai/internal/config"
)

// Solver answers challenges off the caller's goroutine with a bounded
// number of concurrent searches.
type Solver struct {
	backends map[string]Backend
	sem      *semaphore.Weighted
	now      func() time.Time
}

func NewSolver(backend Backend, maxConcurrent int) *Solver {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if backend == nil {
		backend = NewHashSearch(nil)
	}
	return &Solver{
		backends: map[string]Backend{AlgorithmDeepSeekHashV1: backend},
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		now:      time.Now,
	}
}

// Register binds a backend to an algorithm name.
func (s *Solver) Register(algorithm string, backend Backend) {
	s.backends[algorithm] = backend
}

type searchResult struct {
	answer int64
	err    error
}

func (s *Solver) Solve(ctx context.Context, ch Challenge) (int64, error) {
	backend, ok := s.backends[ch.Algorithm]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, ch.Algorithm)
	}
	if err := ch.Validate(); err != nil {
		return 0, err
	}
	searchCtx := ctx
	expiry, hasExpiry := ch.Expiry()
	if hasExpiry {
		if !s.now().Before(expiry) {
			return 0, ErrChallengeExpired
		}
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithDeadline(ctx, expiry)
		defer cancel()
	}

	if err := s.sem.Acquire(searchCtx, 1); err != nil {
		return 0, s.classify(ctx, err)
	}
	done := make(chan searchResult, 1)
	go func() {
		defer s.sem.Release(1)
		answer, err := backend.Search(searchCtx, ch)
		done <- searchResult{answer: answer, err: err}
	}()

	select {
	case <-searchCtx.Done():
		return 0, s.classify(ctx, searchCtx.Err())
	case res := <-done:
		if res.err != nil {
			return 0, s.classify(ctx, res.err)
		}
		config.Logger.Debug("[pow] solved", "algorithm", ch.Algorithm, "difficulty", ch.Difficulty, "answer", res.answer)
		return res.answer, nil
	}
}

// classify maps the search deadline to ErrChallengeExpired while leaving
// caller cancellation untouched.
func (s *Solver) classify(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return ErrChallengeExpired
	}
	return err
}

// SolveHeader solves the challenge and encodes the answer header.
func (s *Solver) SolveHeader(ctx context.Context, ch Challenge) (string, error) {
	answer, err := s.Solve(ctx, ch)
	if err != nil {
		return "", err
	}
	return EncodeHeader(ch, answer)
}
