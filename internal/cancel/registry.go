package cancel

import "sync"

// Registry tracks the cancellation token of every live request on one agent.
// The per-agent dispatcher owns the registry; the session borrows it so that
// cancel(request_id) can reach an in-flight send without an ownership cycle
// between agent, session, and dispatcher.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register associates a token with a request id. Registering the same id
// twice replaces the previous token.
func (r *Registry) Register(requestID string, t *Token) {
	if requestID == "" || t == nil {
		return
	}
	r.mu.Lock()
	r.tokens[requestID] = t
	r.mu.Unlock()
}

// Unregister removes a request id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(requestID string) {
	r.mu.Lock()
	delete(r.tokens, requestID)
	r.mu.Unlock()
}

// Cancel cancels the token registered under requestID. It reports whether a
// token was found; cancelling an unknown id is idempotent and returns false.
func (r *Registry) Cancel(requestID string) bool {
	r.mu.Lock()
	t := r.tokens[requestID]
	r.mu.Unlock()
	if t == nil {
		return false
	}
	t.Cancel()
	return true
}

// CancelAll cancels every registered token. Used on agent destroy and on
// server shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	tokens := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		tokens = append(tokens, t)
	}
	r.mu.Unlock()
	for _, t := range tokens {
		t.Cancel()
	}
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
