package transport

import (
	"sync"

	"golang.org/x/time/rate"
)

// perIPLimiters hands out one token-bucket limiter per client IP, created
// lazily, so one noisy client can't exhaust the bucket of another (spec
// §4.1/§7).
type perIPLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newPerIPLimiters(r rate.Limit, burst int) *perIPLimiters {
	return &perIPLimiters{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (p *perIPLimiters) allow(ip string) bool {
	p.mu.Lock()
	l, ok := p.limiters[ip]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[ip] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
