package alerts

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is the throttle state of one fingerprint
type Entry struct {
	FirstSeen      time.Time
	LastSeen       time.Time
	LastDispatched time.Time
	Occurrences    int
	// Suppressed counts every throttled occurrence of the fingerprint
	Suppressed int
	// pending counts throttled occurrences since LastDispatched
	pending int
}

// Stats summarises the tracker
type Stats struct {
	TotalAlerts        int64 `json:"totalAlerts"`
	RecentFingerprints int   `json:"recentFingerprints"`
	ThrottledAlerts    int64 `json:"throttledAlerts"`
}

// tracker is a bounded fingerprint map. Totals are updated in the same
// critical section as the entries, so Stats can never disagree with the
// throttle decisions that were made.
type tracker struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, *Entry]
	total     int64
	throttled int64
}

func newTracker(size int) (*tracker, error) {
	cache, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &tracker{entries: cache}, nil
}

// observe records one occurrence. It returns whether the alert should be
// dispatched and, if so, how many occurrences were suppressed since the
// previous dispatch.
func (t *tracker) observe(fingerprint string, now time.Time, throttle time.Duration) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++

	e, ok := t.entries.Get(fingerprint)
	if !ok {
		t.entries.Add(fingerprint, &Entry{
			FirstSeen:      now,
			LastSeen:       now,
			LastDispatched: now,
			Occurrences:    1,
		})
		return true, 0
	}

	e.Occurrences++
	e.LastSeen = now

	if now.Sub(e.LastDispatched) < throttle {
		e.Suppressed++
		e.pending++
		t.throttled++
		return false, 0
	}

	pending := e.pending
	e.pending = 0
	e.LastDispatched = now
	return true, pending
}

func (t *tracker) get(fingerprint string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries.Peek(fingerprint)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// sweep drops fingerprints not seen since cutoff
func (t *tracker) sweep(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, fp := range t.entries.Keys() {
		if e, ok := t.entries.Peek(fp); ok && e.LastSeen.Before(cutoff) {
			t.entries.Remove(fp)
			removed++
		}
	}
	return removed
}

func (t *tracker) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		TotalAlerts:        t.total,
		RecentFingerprints: t.entries.Len(),
		ThrottledAlerts:    t.throttled,
	}
}
