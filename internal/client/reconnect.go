package client

import (
	"sync"
	"time"
)

// maxReconnectDelay caps the linear backoff.
const maxReconnectDelay = 30 * time.Second

// reconnectPolicy decides whether and when to re-dial after an abnormal close.
// Backoff is linear in the attempt number, capped at maxReconnectDelay.
type reconnectPolicy struct {
	mu          sync.Mutex
	interval    time.Duration
	maxAttempts int
	attempts    int
}

func newReconnectPolicy(interval time.Duration, maxAttempts int) *reconnectPolicy {
	return &reconnectPolicy{interval: interval, maxAttempts: maxAttempts}
}

// next records one more attempt and returns its delay. ok is false once the
// attempt budget is exhausted; that condition is terminal for the connection.
func (p *reconnectPolicy) next() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts >= p.maxAttempts {
		return 0, false
	}
	p.attempts++
	delay = p.interval * time.Duration(p.attempts)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay, true
}

// reset clears the attempt counter after a successful connect.
func (p *reconnectPolicy) reset() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}

func (p *reconnectPolicy) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
