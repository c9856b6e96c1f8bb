package pow

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"
)

func makeChallenge(t *testing.T, answer int64, difficulty int64, expireAt time.Time) Challenge {
	t.Helper()
	ch := Challenge{
		Algorithm:  AlgorithmDeepSeekHashV1,
		Salt:       "salt123",
		Signature:  "sig",
		Difficulty: difficulty,
		ExpireAt:   expireAt.UnixMilli(),
		TargetPath: CompletionTargetPath,
	}
	sum := SHA3.Sum([]byte(ch.Prefix() + strconv.FormatInt(answer, 10)))
	ch.Challenge = hex.EncodeToString(sum)
	return ch
}

func TestSolveFindsAnswer(t *testing.T) {
	s := NewSolver(nil, 2)
	ch := makeChallenge(t, 1234, 5000, time.Now().Add(time.Minute))
	got, err := s.Solve(context.Background(), ch)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 1234 {
		t.Fatalf("expected 1234, got %d", got)
	}
}

func TestSolveNoSolutionWithinDifficulty(t *testing.T) {
	s := NewSolver(nil, 1)
	ch := makeChallenge(t, 1234, 100, time.Now().Add(time.Minute))
	if _, err := s.Solve(context.Background(), ch); !errors.Is(err, ErrNoSolution) {
		t.Fatalf("expected ErrNoSolution, got %v", err)
	}
}

func TestSolveRejectsExpiredChallenge(t *testing.T) {
	s := NewSolver(nil, 1)
	ch := makeChallenge(t, 1, 10, time.Now().Add(-time.Second))
	if _, err := s.Solve(context.Background(), ch); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestSolveRejectsUnknownAlgorithm(t *testing.T) {
	s := NewSolver(nil, 1)
	ch := makeChallenge(t, 1, 10, time.Now().Add(time.Minute))
	ch.Algorithm = "FancyHashV9"
	if _, err := s.Solve(context.Background(), ch); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestSolveExpiresDuringSearch(t *testing.T) {
	slow := HasherFunc(func(data []byte) []byte {
		time.Sleep(time.Millisecond)
		return []byte{0}
	})
	s := NewSolver(NewHashSearch(slow), 1)
	ch := makeChallenge(t, 1, 1<<40, time.Now().Add(50*time.Millisecond))
	start := time.Now()
	_, err := s.Solve(context.Background(), ch)
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("expected solve to stop near expiry, took %v", time.Since(start))
	}
}

func TestSolveHonorsCallerCancel(t *testing.T) {
	slow := HasherFunc(func(data []byte) []byte {
		time.Sleep(time.Millisecond)
		return []byte{0}
	})
	s := NewSolver(NewHashSearch(slow), 1)
	ch := makeChallenge(t, 1, 1<<40, time.Now().Add(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Solve(ctx, ch)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline error, got %v", err)
	}
}

func TestSolveHeaderEncodesAnswer(t *testing.T) {
	s := NewSolver(nil, 1)
	ch := makeChallenge(t, 42, 100, time.Now().Add(time.Minute))
	header, err := s.SolveHeader(context.Background(), ch)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		t.Fatalf("expected base64 header, got %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("expected json header, got %v", err)
	}
	if decoded["answer"] != float64(42) || decoded["target_path"] != CompletionTargetPath || decoded["salt"] != "salt123" {
		t.Fatalf("unexpected header payload %#v", decoded)
	}
}

func TestChallengeExpiryAcceptsSeconds(t *testing.T) {
	ch := Challenge{ExpireAt: 1700000000}
	got, ok := ch.Expiry()
	if !ok || got.Unix() != 1700000000 {
		t.Fatalf("expected second-resolution expiry, got %v ok=%v", got, ok)
	}
}
