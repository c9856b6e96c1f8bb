package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ds2openai/internal/deepseek"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(login LoginFunc) (*Pool, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := NewPool(Options{Login: login, CooldownBase: 10 * time.Second, CooldownMax: 40 * time.Second})
	p.now = clock.Now
	return p, clock
}

func TestAcquireJustInTimeLogin(t *testing.T) {
	var calls atomic.Int32
	p, _ := newTestPool(func(ctx context.Context, email, password string) (string, error) {
		calls.Add(1)
		return "tok-" + email, nil
	})
	p.Register("A@example.com", "pw", "")
	lease, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil)
	if err != nil {
		t.Fatalf("expected lease, got %v", err)
	}
	if lease.Token != "tok-A@example.com" || lease.AccountID != "a@example.com" {
		t.Fatalf("unexpected lease %#v", lease)
	}
	lease.Release()
	if _, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil); err != nil {
		t.Fatalf("expected second lease, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one login, got %d", calls.Load())
	}
}

func TestAcquireConcurrentLoginsShareOneCall(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	p, _ := newTestPool(func(ctx context.Context, email, password string) (string, error) {
		calls.Add(1)
		<-release
		return "tok", nil
	})
	p.Register("a@example.com", "pw", "")
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("expected all acquires to succeed, got %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single shared login, got %d", calls.Load())
	}
}

func TestAcquireInvalidCredentialsMarksInvalid(t *testing.T) {
	p, _ := newTestPool(func(ctx context.Context, email, password string) (string, error) {
		return "", fmt.Errorf("login: %w", deepseek.ErrInvalidCredentials)
	})
	p.Register("a@example.com", "bad", "")
	_, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil)
	if !errors.Is(err, ErrNoAvailableAccount) {
		t.Fatalf("expected ErrNoAvailableAccount, got %v", err)
	}
	v, _ := p.Get("a@example.com")
	if v.Status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", v.Status)
	}
	if p.Usable("a@example.com") {
		t.Fatal("expected invalid account unusable")
	}
}

func TestAcquireRejectedChallengeKeepsAccountUsable(t *testing.T) {
	p, _ := newTestPool(func(ctx context.Context, email, password string) (string, error) {
		return "", fmt.Errorf("login challenge failed: %w", deepseek.ErrChallengeRejected)
	})
	p.Register("a@example.com", "pw", "")
	if _, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil); !errors.Is(err, ErrNoAvailableAccount) {
		t.Fatalf("expected ErrNoAvailableAccount, got %v", err)
	}
	v, _ := p.Get("a@example.com")
	if v.Status != StatusUnverified || !p.Usable("a@example.com") {
		t.Fatalf("expected account still unverified and usable, got %#v", v)
	}
}

func TestAcquireTransientLoginKeepsStatus(t *testing.T) {
	p, _ := newTestPool(func(ctx context.Context, email, password string) (string, error) {
		return "", deepseek.ErrUpstreamUnavailable
	})
	p.Register("a@example.com", "pw", "")
	if _, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil); !errors.Is(err, ErrNoAvailableAccount) {
		t.Fatalf("expected ErrNoAvailableAccount, got %v", err)
	}
	v, _ := p.Get("a@example.com")
	if v.Status != StatusUnverified || v.LastError == "" {
		t.Fatalf("expected unverified with last error, got %#v", v)
	}
}

func TestAuthRejectedCoolsWithBackoff(t *testing.T) {
	p, clock := newTestPool(func(ctx context.Context, email, password string) (string, error) {
		return "fresh-" + email, nil
	})
	p.Register("a@example.com", "pw", "old-token")
	p.Report("a@example.com", OutcomeAuthRejected, deepseek.ErrTokenRejected)
	v, _ := p.Get("a@example.com")
	if v.Status != StatusCooling || v.CooldownUntil == nil || v.CooldownUntil.Sub(clock.Now()) != 10*time.Second {
		t.Fatalf("expected 10s cooldown, got %#v", v)
	}
	if _, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil); !errors.Is(err, ErrNoAvailableAccount) {
		t.Fatalf("expected cooling account to be skipped, got %v", err)
	}
	p.Report("a@example.com", OutcomeAuthRejected, nil)
	p.Report("a@example.com", OutcomeAuthRejected, nil)
	p.Report("a@example.com", OutcomeAuthRejected, nil)
	v, _ = p.Get("a@example.com")
	if got := v.CooldownUntil.Sub(clock.Now()); got != 40*time.Second {
		t.Fatalf("expected capped 40s cooldown, got %v", got)
	}
	clock.Advance(41 * time.Second)
	lease, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil)
	if err != nil {
		t.Fatalf("expected account back after cooldown, got %v", err)
	}
	if lease.Token != "fresh-a@example.com" {
		t.Fatalf("expected relogin token, got %q", lease.Token)
	}
	p.Report(lease.AccountID, OutcomeSuccess, nil)
	v, _ = p.Get("a@example.com")
	if v.Status != StatusActive || v.LastUsedAt == nil {
		t.Fatalf("expected active with last used, got %#v", v)
	}
}

func TestAcquireRespectsExcludeAndCandidates(t *testing.T) {
	p, _ := newTestPool(nil)
	p.Register("a@example.com", "", "tok-a")
	p.Register("b@example.com", "", "tok-b")
	for i := 0; i < 20; i++ {
		lease, err := p.Acquire(context.Background(), []string{"a@example.com", "b@example.com"}, map[string]bool{"a@example.com": true})
		if err != nil {
			t.Fatalf("expected lease, got %v", err)
		}
		if lease.AccountID != "b@example.com" {
			t.Fatalf("expected excluded account skipped, got %s", lease.AccountID)
		}
		lease.Release()
	}
	if _, err := p.Acquire(context.Background(), []string{"c@example.com"}, nil); !errors.Is(err, ErrNoAvailableAccount) {
		t.Fatalf("expected unknown candidate to fail, got %v", err)
	}
}

func TestAcquireSpreadsAcrossActiveAccounts(t *testing.T) {
	p, _ := newTestPool(nil)
	p.Register("a@example.com", "", "tok-a")
	p.Register("b@example.com", "", "tok-b")
	seen := map[string]bool{}
	for i := 0; i < 200 && len(seen) < 2; i++ {
		lease, err := p.Acquire(context.Background(), []string{"a@example.com", "b@example.com"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		seen[lease.AccountID] = true
		lease.Release()
	}
	if len(seen) != 2 {
		t.Fatalf("expected both accounts chosen, got %v", seen)
	}
}

func TestTokenHeldByOneAccount(t *testing.T) {
	p, _ := newTestPool(nil)
	p.Register("a@example.com", "pw", "shared")
	p.Register("b@example.com", "pw", "shared")
	a, _ := p.Get("a@example.com")
	b, _ := p.Get("b@example.com")
	if a.HasToken || !b.HasToken {
		t.Fatalf("expected token moved to b, got a=%#v b=%#v", a, b)
	}
	if a.Status != StatusUnverified {
		t.Fatalf("expected a unverified after losing token, got %s", a.Status)
	}
}

func TestStatusCountsAndInUse(t *testing.T) {
	p, _ := newTestPool(nil)
	p.Register("a@example.com", "", "tok-a")
	p.Register("b@example.com", "pw", "")
	lease, err := p.Acquire(context.Background(), []string{"a@example.com"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := p.Status()
	if st["total"] != 2 || st["active"] != 1 || st["unverified"] != 1 || st["in_use"] != 1 {
		t.Fatalf("unexpected status %#v", st)
	}
	lease.Release()
	if p.Status()["in_use"] != 0 {
		t.Fatal("expected released lease")
	}
	p.Remove("a@example.com")
	if _, ok := p.Get("a@example.com"); ok {
		t.Fatal("expected removed account")
	}
}
