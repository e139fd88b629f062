package agent

import (
	"sync"

	"github.com/coveyhq/covey/internal/providers"
)

// TokenTracker follows context consumption for one session. The current
// size is whatever the server last reported as total_tokens; nothing is
// ever estimated from message bytes, so between observations the value
// simply holds.
type TokenTracker struct {
	mu         sync.Mutex
	maxContext int
	current    int
}

func NewTokenTracker(maxContext int) *TokenTracker {
	return &TokenTracker{maxContext: maxContext}
}

// Observe records a usage report from a completion.
func (t *TokenTracker) Observe(u providers.Usage) {
	if u.TotalTokens <= 0 {
		return
	}
	t.mu.Lock()
	t.current = u.TotalTokens
	t.mu.Unlock()
}

// Reset pins the tracker after a summarisation. The argument is the
// server-reported size of the replacement context.
func (t *TokenTracker) Reset(tokens int) {
	if tokens < 0 {
		tokens = 0
	}
	t.mu.Lock()
	t.current = tokens
	t.mu.Unlock()
}

func (t *TokenTracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *TokenTracker) MaxContext() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxContext
}

// SetMaxContext updates the ceiling, used when the model-info probe reports
// a real context length after construction.
func (t *TokenTracker) SetMaxContext(max int) {
	if max <= 0 {
		return
	}
	t.mu.Lock()
	t.maxContext = max
	t.mu.Unlock()
}

// UsageFraction returns current/max, or 0 when no ceiling is known.
func (t *TokenTracker) UsageFraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxContext <= 0 {
		return 0
	}
	return float64(t.current) / float64(t.maxContext)
}
