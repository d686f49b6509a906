package network

import (
	"net"
	"sync"
	"time"
)

// rateTracker counts events per source IP within a one-second window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	lastSweep time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
	}
}

func (rt *rateTracker) allow(ip string) bool {
	return rt.allowAt(ip, time.Now())
}

func (rt *rateTracker) allowAt(ip string, now time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if now.Sub(rt.lastSweep) > time.Minute {
		for k, b := range rt.counts {
			if now.Sub(b.windowStart) >= time.Second {
				delete(rt.counts, k)
			}
		}
		rt.lastSweep = now
	}

	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
