package upload

import (
	"sync"
	"time"
)

const DefaultFailureLogWindow = time.Minute

// FailureCounter rate-limits failure logging: Record reports shouldLog at
// most once per window, handing back the failures seen since the last log.
type FailureCounter struct {
	Window time.Duration

	mu         sync.Mutex
	count      int
	lastLogged time.Time
}

func (f *FailureCounter) Record(now time.Time) (count int, shouldLog bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	window := f.Window
	if window <= 0 {
		window = DefaultFailureLogWindow
	}
	f.count++
	if !f.lastLogged.IsZero() && now.Sub(f.lastLogged) <= window {
		return f.count, false
	}
	count = f.count
	f.count = 0
	f.lastLogged = now
	return count, true
}

func (f *FailureCounter) Reset() {
	f.mu.Lock()
	f.count = 0
	f.mu.Unlock()
}

func (f *FailureCounter) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}
