package security

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type rejectionWindow struct {
	count int
	start time.Time
}

// rejectionCounter counts 401/403/429 rejections per caller and reason in
// fixed windows. The expirable LRU only bounds memory; window starts are
// tracked explicitly so repeated rejections cannot extend a window.
type rejectionCounter struct {
	mu        sync.Mutex
	windows   *expirable.LRU[string, rejectionWindow]
	threshold int
	window    time.Duration
}

func newRejectionCounter(threshold int, window time.Duration) *rejectionCounter {
	return &rejectionCounter{
		windows:   expirable.NewLRU[string, rejectionWindow](10000, nil, window),
		threshold: threshold,
		window:    window,
	}
}

// record counts one rejection and reports whether the caller has reached
// the alert threshold in the current window
func (c *rejectionCounter) record(caller, reason string, now time.Time) bool {
	if c == nil || c.threshold <= 0 {
		return false
	}
	key := reason + "|" + caller

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows.Get(key)
	if !ok || now.Sub(w.start) >= c.window {
		w = rejectionWindow{start: now}
	}
	w.count++
	c.windows.Add(key, w)
	return w.count >= c.threshold
}
