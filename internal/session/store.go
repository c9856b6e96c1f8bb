package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ds2openai/internal/config"
)

var ErrConversationState = errors.New("conversation state error")

type entry struct {
	key        string
	lock       chan struct{}
	refs       int
	accountID  string
	cont       Continuation
	createdAt  time.Time
	lastActive time.Time
	turns      int
}

// Store maps caller conversations to upstream continuation state. One
// request at a time may hold a conversation.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	idle    time.Duration
	now     func() time.Time
}

func NewStore(idle time.Duration) *Store {
	if idle <= 0 {
		idle = time.Hour
	}
	return &Store{entries: map[string]*entry{}, idle: idle, now: time.Now}
}

func conversationKey(callerID, conversationID string) string {
	return callerID + "|" + conversationID
}

func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return e.refs == 0 && now.Sub(e.lastActive) >= s.idle
}

// Resolve returns a handle for the conversation, waiting until no other
// request holds it. An empty conversationID yields a stateless handle. A
// bound account that usable rejects is dropped together with its
// continuation so the next commit rebinds the conversation.
func (s *Store) Resolve(ctx context.Context, callerID, conversationID string, usable func(accountID string) bool) (*Handle, error) {
	if conversationID == "" {
		return &Handle{store: s, callerID: callerID}, nil
	}
	key := conversationKey(callerID, conversationID)
	s.mu.Lock()
	now := s.now()
	e, ok := s.entries[key]
	if !ok || s.expiredLocked(e, now) {
		e = &entry{key: key, lock: make(chan struct{}, 1), createdAt: now, lastActive: now}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		s.mu.Lock()
		e.refs--
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	bound := e.accountID
	s.mu.Unlock()
	if bound != "" && usable != nil && !usable(bound) {
		s.mu.Lock()
		e.accountID = ""
		e.cont = Continuation{}
		s.mu.Unlock()
		config.Logger.Info("[session] rebinding conversation", "conversation", conversationID, "account", bound)
	}
	return &Handle{store: s, e: e, callerID: callerID, conversationID: conversationID}, nil
}

// Adopt registers a new conversation from a completed stateless turn.
func (s *Store) Adopt(callerID, conversationID, accountID string, cont Continuation) error {
	if conversationID == "" || cont.Empty() {
		return ErrConversationState
	}
	key := conversationKey(callerID, conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !s.expiredLocked(e, s.now()) {
		return ErrConversationState
	}
	now := s.now()
	s.entries[key] = &entry{
		key:        key,
		lock:       make(chan struct{}, 1),
		accountID:  accountID,
		cont:       cont,
		createdAt:  now,
		lastActive: now,
		turns:      1,
	}
	return nil
}

// Forget drops a conversation that nobody holds.
func (s *Store) Forget(callerID, conversationID string) bool {
	key := conversationKey(callerID, conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.refs > 0 {
		return false
	}
	delete(s.entries, key)
	return true
}

// Sweep evicts idle conversations not held by any request.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for key, e := range s.entries {
		if s.expiredLocked(e, now) {
			delete(s.entries, key)
			n++
		}
	}
	if n > 0 {
		config.Logger.Debug("[session] swept idle conversations", "count", n, "remaining", len(s.entries))
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type Stat struct {
	Conversation string    `json:"conversation"`
	AccountID    string    `json:"account_id,omitempty"`
	Turns        int       `json:"turns"`
	InUse        bool      `json:"in_use"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
}

func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Stat, 0, len(s.entries))
	inUse := 0
	for _, e := range s.entries {
		if e.refs > 0 {
			inUse++
		}
		items = append(items, Stat{
			Conversation: e.key,
			AccountID:    e.accountID,
			Turns:        e.turns,
			InUse:        e.refs > 0,
			CreatedAt:    e.createdAt,
			LastActive:   e.lastActive,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].LastActive.After(items[j].LastActive) })
	return map[string]any{
		"total":                len(items),
		"in_use":               inUse,
		"idle_timeout_seconds": int(s.idle / time.Second),
		"conversations":        items,
	}
}
