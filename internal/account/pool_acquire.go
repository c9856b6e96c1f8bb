package account

import (
	"context"
	"errors"
	"fmt"

	"ds2openai/internal/config"
	"ds2openai/internal/deepseek"
)

// Lease is a token handed out for one upstream exchange.
type Lease struct {
	AccountID string
	Token     string
	pool      *Pool
}

func (l Lease) Release() {
	if l.pool != nil {
		l.pool.Release(l.AccountID)
	}
}

// Acquire picks a random Active account among candidates. When none is
// Active it logs in, one account at a time, any Unverified or
// cooled-down candidate. Excluded ids are skipped.
func (p *Pool) Acquire(ctx context.Context, candidates []string, exclude map[string]bool) (Lease, error) {
	p.mu.Lock()
	now := p.now()
	seen := map[string]bool{}
	var active, pending []string
	for _, raw := range candidates {
		id := NormalizeID(raw)
		if seen[id] || exclude[id] {
			continue
		}
		seen[id] = true
		acc, ok := p.accounts[id]
		if !ok {
			continue
		}
		p.refreshLocked(acc, now)
		switch {
		case acc.Status == StatusActive && acc.Token != "":
			active = append(active, id)
		case acc.Status == StatusActive, acc.Status == StatusUnverified:
			if acc.Password != "" {
				pending = append(pending, id)
			}
		}
	}
	if len(active) > 0 {
		id := active[p.intn(len(active))]
		lease := p.leaseLocked(p.accounts[id])
		p.mu.Unlock()
		return lease, nil
	}
	p.mu.Unlock()

	if len(pending) == 0 || p.login == nil {
		return Lease{}, ErrNoAvailableAccount
	}
	for i := len(pending) - 1; i > 0; i-- {
		j := p.intn(i + 1)
		pending[i], pending[j] = pending[j], pending[i]
	}
	var lastErr error
	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			return Lease{}, err
		}
		if err := p.ensureLogin(ctx, id); err != nil {
			lastErr = err
			continue
		}
		p.mu.Lock()
		acc, ok := p.accounts[id]
		if ok && acc.Status == StatusActive && acc.Token != "" {
			lease := p.leaseLocked(acc)
			p.mu.Unlock()
			return lease, nil
		}
		p.mu.Unlock()
	}
	if lastErr != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrNoAvailableAccount, lastErr)
	}
	return Lease{}, ErrNoAvailableAccount
}

func (p *Pool) leaseLocked(acc *Account) Lease {
	p.inUse[acc.ID]++
	return Lease{AccountID: acc.ID, Token: acc.Token, pool: p}
}

// ensureLogin logs an account in. Concurrent callers for the same account
// share one upstream login.
func (p *Pool) ensureLogin(ctx context.Context, id string) error {
	_, err, _ := p.group.Do(id, func() (any, error) {
		p.mu.Lock()
		acc, ok := p.accounts[id]
		if !ok {
			p.mu.Unlock()
			return nil, errors.New("account removed")
		}
		email, password := acc.Email, acc.Password
		p.mu.Unlock()

		token, err := p.login(ctx, email, password)

		p.mu.Lock()
		acc, ok = p.accounts[id]
		if !ok {
			p.mu.Unlock()
			return nil, errors.New("account removed")
		}
		from := acc.Status
		if err != nil {
			acc.LastError = err.Error()
			if errors.Is(err, deepseek.ErrInvalidCredentials) {
				acc.Status = StatusInvalid
			}
			p.logTransition(acc, from)
			p.mu.Unlock()
			config.Logger.Warn("[pool] login failed", "account", id, "error", err)
			return nil, err
		}
		p.claimTokenLocked(acc, token)
		acc.Status = StatusActive
		acc.LastError = ""
		acc.CooldownStep = 0
		p.logTransition(acc, from)
		onToken := p.onToken
		p.mu.Unlock()
		if onToken != nil {
			onToken(id, token)
		}
		return nil, nil
	})
	return err
}
