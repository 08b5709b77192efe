// Package ratelimit implements a fixed-ceiling sliding-window counter per
// client identity: at most Max request timestamps may sit inside the trailing
// window, and a denied request is not recorded. A client can spend its whole
// quota at once and then regains slots one by one as old timestamps age out.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter 按客户端标识（通常为 IP）维护滑动窗口内的请求时间戳。
type Limiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	windows map[string][]time.Time

	now func() time.Time
}

// NewLimiter 构造滑动窗口限流器，window 与 max 必须为正。
func NewLimiter(window time.Duration, max int) *Limiter {
	return &Limiter{
		window:  window,
		max:     max,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow 先裁剪窗口外的时间戳再判定；未超限时记录本次请求并放行。
func (l *Limiter) Allow(identity string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.windows[identity][:0]
	for _, ts := range l.windows[identity] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= l.max {
		l.windows[identity] = recent
		return false
	}

	l.windows[identity] = append(recent, now)
	return true
}

// Snapshot 返回各客户端当前窗口内的请求数，供 /api/stats 输出。
func (l *Limiter) Snapshot() map[string]int {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	occupancy := make(map[string]int, len(l.windows))
	for identity, stamps := range l.windows {
		count := 0
		for _, ts := range stamps {
			if ts.After(cutoff) {
				count++
			}
		}
		occupancy[identity] = count
	}
	return occupancy
}
