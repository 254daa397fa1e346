package transport

import "sync"

// hostLimiter caps concurrent holders per remote host. A zero max disables it.
type hostLimiter struct {
	mu   sync.Mutex
	max  int
	held map[string]int
}

func newHostLimiter(max int) *hostLimiter {
	return &hostLimiter{max: max, held: make(map[string]int)}
}

func (l *hostLimiter) tryAcquire(host string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[host] >= l.max {
		return false
	}
	l.held[host]++
	return true
}

func (l *hostLimiter) release(host string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[host] <= 1 {
		delete(l.held, host)
		return
	}
	l.held[host]--
}

func (l *hostLimiter) inUse(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[host]
}
