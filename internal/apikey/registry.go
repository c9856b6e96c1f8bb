package apikey

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"ds2openai/internal/account"
	"ds2openai/internal/config"
)

// Persister stores the full key set. Save must be atomic: after a failed
// Save the previous snapshot is still what Load returns.
type Persister interface {
	Load(ctx context.Context) ([]APIKey, error)
	Save(ctx context.Context, keys []APIKey) error
}

type LoginFunc func(ctx context.Context, email, password string) (string, error)

// Registry owns API keys and their account bindings. Every mutation is
// persisted before it is acknowledged.
type Registry struct {
	mu    sync.RWMutex
	keys  map[string]*APIKey
	store Persister
	pool  *account.Pool
	login LoginFunc
	now   func() time.Time

	// usageDirty is set when usage counters changed since the last save.
	usageDirty bool
}

func NewRegistry(store Persister, pool *account.Pool, login LoginFunc) *Registry {
	return &Registry{
		keys:  map[string]*APIKey{},
		store: store,
		pool:  pool,
		login: login,
		now:   time.Now,
	}
}

// Load restores persisted keys and registers their accounts with the pool.
func (r *Registry) Load(ctx context.Context) error {
	keys, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}
	r.mu.Lock()
	r.keys = make(map[string]*APIKey, len(keys))
	for i := range keys {
		k := keys[i]
		r.keys[k.ID] = &k
	}
	r.mu.Unlock()
	accounts := 0
	for _, k := range keys {
		for _, b := range k.Accounts {
			r.pool.Register(b.Email, b.Password, b.Token)
			accounts++
		}
	}
	config.Logger.Info("[apikey] registry loaded", "keys", len(keys), "bindings", accounts)
	return nil
}

func (r *Registry) Create(ctx context.Context, name string, ttl time.Duration) (View, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return View{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if ttl < 0 {
		return View{}, fmt.Errorf("%w: ttl must not be negative", ErrInvalidInput)
	}
	now := r.now()
	k := &APIKey{ID: NewKeyID(), Name: name, CreatedAt: now, Active: true, Accounts: []Binding{}}
	if ttl > 0 {
		exp := now.Add(ttl)
		k.ExpiresAt = &exp
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[k.ID] = k
	if err := r.persistLocked(ctx); err != nil {
		delete(r.keys, k.ID)
		return View{}, err
	}
	config.Logger.Info("[apikey] created", "key", mask(k.ID), "name", name)
	return r.viewLocked(k), nil
}

// AddAccount logs the account in and binds it to the key. The login runs
// without holding the registry lock.
func (r *Registry) AddAccount(ctx context.Context, id, email, password string) (View, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return View{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	if err := r.checkUsable(id); err != nil {
		return View{}, err
	}
	token, err := r.login(ctx, email, password)
	if err != nil {
		return View{}, err
	}

	r.mu.Lock()
	k, ok := r.keys[id]
	if !ok {
		r.mu.Unlock()
		return View{}, ErrNotFound
	}
	if !k.Usable(r.now()) {
		r.mu.Unlock()
		return View{}, ErrKeyInactive
	}
	prev := r.snapshotBoundLocked(id, email)
	binding := Binding{Email: email, Password: password, Token: token, AddedAt: r.now()}
	if i := k.bindingIndex(email); i >= 0 {
		binding.AddedAt = k.Accounts[i].AddedAt
		k.Accounts[i] = binding
	} else {
		k.Accounts = append(k.Accounts, binding)
	}
	r.setTokenLocked(email, token)
	if err := r.persistLocked(ctx); err != nil {
		for kid, k := range prev {
			r.keys[kid] = k
		}
		r.mu.Unlock()
		return View{}, err
	}
	r.mu.Unlock()

	r.pool.Register(email, password, token)
	config.Logger.Info("[apikey] account bound", "key", mask(id), "account", email)
	return r.Info(id)
}

func (r *Registry) RemoveAccount(ctx context.Context, id, email string) (View, error) {
	r.mu.Lock()
	k, ok := r.keys[id]
	if !ok {
		r.mu.Unlock()
		return View{}, ErrNotFound
	}
	i := k.bindingIndex(email)
	if i < 0 {
		r.mu.Unlock()
		return View{}, fmt.Errorf("%w: account %s not bound", ErrNotFound, email)
	}
	prev := k.clone()
	k.Accounts = append(k.Accounts[:i:i], k.Accounts[i+1:]...)
	if err := r.persistLocked(ctx); err != nil {
		r.keys[id] = prev
		r.mu.Unlock()
		return View{}, err
	}
	stillBound := r.boundLocked(email)
	r.mu.Unlock()
	if !stillBound {
		r.pool.Remove(email)
	}
	return r.Info(id)
}

func (r *Registry) Info(id string) (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	if !ok {
		return View{}, ErrNotFound
	}
	return r.viewLocked(k), nil
}

func (r *Registry) List() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.keys))
	for _, k := range r.sortedLocked() {
		out = append(out, r.viewLocked(k))
	}
	return out
}

// Deactivate is idempotent.
func (r *Registry) Deactivate(ctx context.Context, id string) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return View{}, ErrNotFound
	}
	if !k.Active {
		return r.viewLocked(k), nil
	}
	k.Active = false
	if err := r.persistLocked(ctx); err != nil {
		k.Active = true
		return View{}, err
	}
	config.Logger.Info("[apikey] deactivated", "key", mask(id))
	return r.viewLocked(k), nil
}

// Cleanup removes inactive and expired keys and returns how many went.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	r.mu.Lock()
	now := r.now()
	removed := map[string]*APIKey{}
	for id, k := range r.keys {
		if !k.Usable(now) {
			removed[id] = k
			delete(r.keys, id)
		}
	}
	if len(removed) == 0 {
		r.mu.Unlock()
		return 0, nil
	}
	if err := r.persistLocked(ctx); err != nil {
		for id, k := range removed {
			r.keys[id] = k
		}
		r.mu.Unlock()
		return 0, err
	}
	var orphaned []string
	for _, k := range removed {
		for _, b := range k.Accounts {
			if !r.boundLocked(b.Email) {
				orphaned = append(orphaned, b.Email)
			}
		}
	}
	r.mu.Unlock()
	for _, email := range orphaned {
		r.pool.Remove(email)
	}
	config.Logger.Info("[apikey] cleanup", "removed", len(removed))
	return len(removed), nil
}

// Candidates lists the account ids bound to a usable key.
func (r *Registry) Candidates(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !k.Usable(r.now()) {
		return nil, ErrKeyInactive
	}
	out := make([]string, 0, len(k.Accounts))
	for _, b := range k.Accounts {
		out = append(out, account.NormalizeID(b.Email))
	}
	return out, nil
}

// SelectToken leases a token from one of the key's accounts.
func (r *Registry) SelectToken(ctx context.Context, id string, exclude map[string]bool) (account.Lease, error) {
	return r.Select(ctx, id, "", exclude)
}

// Select is SelectToken with a preferred account, tried first when it is
// still bound to the key. A conversation uses it to stay on its account.
func (r *Registry) Select(ctx context.Context, id, prefer string, exclude map[string]bool) (account.Lease, error) {
	candidates, err := r.Candidates(id)
	if err != nil {
		return account.Lease{}, err
	}
	var lease account.Lease
	prefer = account.NormalizeID(prefer)
	if prefer != "" && !exclude[prefer] && slices.Contains(candidates, prefer) {
		lease, err = r.pool.Acquire(ctx, []string{prefer}, exclude)
	}
	if lease.Token == "" {
		lease, err = r.pool.Acquire(ctx, candidates, exclude)
	}
	if err != nil {
		return account.Lease{}, err
	}
	r.mu.Lock()
	if k, ok := r.keys[id]; ok {
		k.UsageCount++
		r.usageDirty = true
	}
	r.mu.Unlock()
	return lease, nil
}

// FlushUsage saves usage counters changed since the last save.
func (r *Registry) FlushUsage(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.usageDirty {
		return nil
	}
	return r.persistLocked(ctx)
}

// RunUsageFlush flushes usage counters every interval and once more when
// ctx ends.
func (r *Registry) RunUsageFlush(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.FlushUsage(flushCtx); err != nil {
				config.Logger.Warn("[apikey] final usage flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.FlushUsage(ctx); err != nil {
				config.Logger.Warn("[apikey] usage flush failed", "error", err)
			}
		}
	}
}

// IsKey reports whether the credential is a known key in any state.
func (r *Registry) IsKey(credential string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[strings.TrimSpace(credential)]
	return ok
}

// UpdateToken persists a token refreshed by the pool.
func (r *Registry) UpdateToken(ctx context.Context, accountID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.setTokenLocked(accountID, token) {
		return
	}
	if err := r.persistLocked(ctx); err != nil {
		config.Logger.Warn("[apikey] persist refreshed token failed", "account", accountID, "error", err)
	}
}

func (r *Registry) setTokenLocked(email, token string) bool {
	changed := false
	for _, k := range r.keys {
		if i := k.bindingIndex(email); i >= 0 && k.Accounts[i].Token != token {
			k.Accounts[i].Token = token
			changed = true
		}
	}
	return changed
}

func (r *Registry) checkUsable(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	if !ok {
		return ErrNotFound
	}
	if !k.Usable(r.now()) {
		return ErrKeyInactive
	}
	return nil
}

// snapshotBoundLocked clones key id and every key sharing a binding for
// email, so a failed save can restore all of them.
func (r *Registry) snapshotBoundLocked(id, email string) map[string]*APIKey {
	out := map[string]*APIKey{}
	for kid, k := range r.keys {
		if kid == id || k.bindingIndex(email) >= 0 {
			out[kid] = k.clone()
		}
	}
	return out
}

func (r *Registry) boundLocked(email string) bool {
	for _, k := range r.keys {
		if k.bindingIndex(email) >= 0 {
			return true
		}
	}
	return false
}

func (r *Registry) sortedLocked() []*APIKey {
	out := make([]*APIKey, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) persistLocked(ctx context.Context) error {
	sorted := r.sortedLocked()
	snapshot := make([]APIKey, 0, len(sorted))
	for _, k := range sorted {
		snapshot = append(snapshot, *k.clone())
	}
	if err := r.store.Save(ctx, snapshot); err != nil {
		config.Logger.Error("[apikey] persist failed", "error", err)
		return fmt.Errorf("persist api keys: %w", err)
	}
	r.usageDirty = false
	return nil
}

func (r *Registry) viewLocked(k *APIKey) View {
	now := r.now()
	v := View{
		ID:           k.ID,
		Name:         k.Name,
		CreatedAt:    k.CreatedAt,
		ExpiresAt:    k.ExpiresAt,
		Active:       k.Active,
		Expired:      k.Expired(now),
		UsageCount:   k.UsageCount,
		AccountCount: len(k.Accounts),
		Accounts:     make([]AccountView, 0, len(k.Accounts)),
	}
	for _, b := range k.Accounts {
		av := AccountView{Email: b.Email, HasToken: b.Token != "", Status: account.StatusUnverified.String()}
		if pv, ok := r.pool.Get(b.Email); ok {
			av.Status = pv.Status.String()
			av.HasToken = pv.HasToken
		}
		v.Accounts = append(v.Accounts, av)
	}
	return v
}

func mask(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:8] + "..." + id[len(id)-4:]
}
