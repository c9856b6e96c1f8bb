package account

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ds2openai/internal/config"
)

var ErrNoAvailableAccount = errors.New("no available account")

// LoginFunc exchanges credentials for a verified token.
type LoginFunc func(ctx context.Context, email, password string) (string, error)

type Options struct {
	Login        LoginFunc
	OnToken      func(accountID, token string)
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// Pool tracks account health and hands out tokens. All state transitions
// happen under mu; logins run outside it.
type Pool struct {
	mu         sync.Mutex
	accounts   map[string]*Account
	tokenOwner map[string]string
	inUse      map[string]int

	login        LoginFunc
	onToken      func(accountID, token string)
	group        singleflight.Group
	cooldownBase time.Duration
	cooldownMax  time.Duration
	now          func() time.Time
	intn         func(n int) int
}

func NewPool(opts Options) *Pool {
	base := opts.CooldownBase
	if base <= 0 {
		base = 30 * time.Second
	}
	maxCooldown := opts.CooldownMax
	if maxCooldown < base {
		maxCooldown = base
	}
	return &Pool{
		accounts:     map[string]*Account{},
		tokenOwner:   map[string]string{},
		inUse:        map[string]int{},
		login:        opts.Login,
		onToken:      opts.OnToken,
		cooldownBase: base,
		cooldownMax:  maxCooldown,
		now:          time.Now,
		intn:         rand.Intn,
	}
}

// Register adds an account or refreshes its credentials. A supplied token
// marks the account Active until the upstream says otherwise.
func (p *Pool) Register(email, password, token string) string {
	id := NormalizeID(email)
	if id == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		acc = &Account{ID: id, Email: email, Status: StatusUnverified}
		p.accounts[id] = acc
	}
	if password != "" && password != acc.Password {
		acc.Password = password
		if acc.Status == StatusInvalid {
			acc.Status = StatusUnverified
			acc.LastError = ""
		}
	}
	if token != "" && token != acc.Token {
		p.claimTokenLocked(acc, token)
		acc.Status = StatusActive
	}
	return id
}

func (p *Pool) Remove(id string) {
	id = NormalizeID(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return
	}
	if acc.Token != "" && p.tokenOwner[acc.Token] == id {
		delete(p.tokenOwner, acc.Token)
	}
	delete(p.accounts, id)
	delete(p.inUse, id)
}

// claimTokenLocked enforces that a token belongs to at most one account.
func (p *Pool) claimTokenLocked(acc *Account, token string) {
	if owner, ok := p.tokenOwner[token]; ok && owner != acc.ID {
		if prev := p.accounts[owner]; prev != nil {
			prev.Token = ""
			if prev.Status == StatusActive {
				prev.Status = StatusUnverified
			}
		}
	}
	if acc.Token != "" && p.tokenOwner[acc.Token] == acc.ID {
		delete(p.tokenOwner, acc.Token)
	}
	acc.Token = token
	if token != "" {
		p.tokenOwner[token] = acc.ID
	}
}

// refreshLocked ends elapsed cooldowns.
func (p *Pool) refreshLocked(acc *Account, now time.Time) {
	if acc.Status != StatusCooling || now.Before(acc.CooldownUntil) {
		return
	}
	if acc.Token != "" {
		acc.Status = StatusActive
	} else {
		acc.Status = StatusUnverified
	}
}

// Usable reports whether an account may still serve requests.
func (p *Pool) Usable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[NormalizeID(id)]
	return ok && acc.Status != StatusInvalid
}

func (p *Pool) Get(id string) (View, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[NormalizeID(id)]
	if !ok {
		return View{}, false
	}
	p.refreshLocked(acc, p.now())
	return acc.view(p.inUse[acc.ID]), true
}

func (p *Pool) Snapshot() []View {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]View, 0, len(p.accounts))
	for _, acc := range p.accounts {
		p.refreshLocked(acc, now)
		out = append(out, acc.view(p.inUse[acc.ID]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) Status() map[string]any {
	views := p.Snapshot()
	counts := map[string]int{}
	inUse := 0
	for _, v := range views {
		counts[v.Status.String()]++
		inUse += v.InUse
	}
	return map[string]any{
		"total":      len(views),
		"active":     counts["active"],
		"cooling":    counts["cooling"],
		"invalid":    counts["invalid"],
		"unverified": counts["unverified"],
		"in_use":     inUse,
		"accounts":   views,
	}
}

func (p *Pool) Release(accountID string) {
	if accountID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	count := p.inUse[accountID]
	if count <= 1 {
		delete(p.inUse, accountID)
		return
	}
	p.inUse[accountID] = count - 1
}

func (p *Pool) logTransition(acc *Account, from Status) {
	if acc.Status == from {
		return
	}
	config.Logger.Info("[pool] account status", "account", acc.ID, "from", from.String(), "to", acc.Status.String())
}
