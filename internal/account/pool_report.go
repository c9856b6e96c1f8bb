package account

import (
	"time"

	"ds2openai/internal/config"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthRejected
	OutcomeTransient
)

// Report records the result of using an account's token.
func (p *Pool) Report(id string, outcome Outcome, cause error) {
	id = NormalizeID(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return
	}
	now := p.now()
	from := acc.Status
	switch outcome {
	case OutcomeSuccess:
		acc.LastUsedAt = now
		acc.LastError = ""
		acc.CooldownStep = 0
		if acc.Token != "" {
			acc.Status = StatusActive
		}
	case OutcomeAuthRejected:
		acc.CooldownStep++
		acc.CooldownUntil = now.Add(p.cooldownFor(acc.CooldownStep))
		acc.Status = StatusCooling
		if cause != nil {
			acc.LastError = cause.Error()
		}
		// A rejected token is dropped when a fresh login can replace it.
		if acc.Password != "" && acc.Token != "" {
			if p.tokenOwner[acc.Token] == acc.ID {
				delete(p.tokenOwner, acc.Token)
			}
			acc.Token = ""
		}
		config.Logger.Warn("[pool] account cooling", "account", id, "step", acc.CooldownStep, "until", acc.CooldownUntil)
	case OutcomeTransient:
		if cause != nil {
			acc.LastError = cause.Error()
		}
	}
	p.logTransition(acc, from)
}

func (p *Pool) cooldownFor(step int) time.Duration {
	d := p.cooldownBase
	for i := 1; i < step; i++ {
		d *= 2
		if d >= p.cooldownMax {
			return p.cooldownMax
		}
	}
	if d > p.cooldownMax {
		return p.cooldownMax
	}
	return d
}
