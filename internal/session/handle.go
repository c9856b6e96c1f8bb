package session

import "sync"

// Handle is a request's exclusive hold on a conversation.
type Handle struct {
	store          *Store
	e              *entry
	callerID       string
	conversationID string
	once           sync.Once
	released       bool
}

func (h *Handle) Stateful() bool { return h.e != nil }

func (h *Handle) ConversationID() string { return h.conversationID }

func (h *Handle) CallerID() string { return h.callerID }

func (h *Handle) AccountID() string {
	if h.e == nil {
		return ""
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return h.e.accountID
}

func (h *Handle) Continuation() Continuation {
	if h.e == nil {
		return Continuation{}
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return h.e.cont
}

// Commit records the state after a successful turn. Failed turns must not
// commit so a retry resumes from the last good state.
func (h *Handle) Commit(accountID string, cont Continuation) error {
	if h.e == nil || cont.Empty() {
		return ErrConversationState
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.released {
		return ErrConversationState
	}
	h.e.accountID = accountID
	h.e.cont = cont
	h.e.turns++
	h.e.lastActive = h.store.now()
	return nil
}

// Release gives the conversation back. It is safe to call more than once.
func (h *Handle) Release() {
	if h.e == nil {
		return
	}
	h.once.Do(func() {
		h.store.mu.Lock()
		h.released = true
		h.e.refs--
		h.e.lastActive = h.store.now()
		h.store.mu.Unlock()
		<-h.e.lock
	})
}
