package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle runs a callback at most once per interval for each key.
// Callers use it to keep a stuck condition from flooding the log.
type Throttle struct {
	interval time.Duration

	mu   sync.Mutex
	keys map[string]*rate.Sometimes
}

func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Throttle{interval: interval, keys: map[string]*rate.Sometimes{}}
}

// Do calls fn unless the same key already fired within the interval.
func (t *Throttle) Do(key string, fn func()) {
	if t == nil {
		fn()
		return
	}
	t.mu.Lock()
	s, ok := t.keys[key]
	if !ok {
		s = &rate.Sometimes{First: 1, Interval: t.interval}
		t.keys[key] = s
	}
	t.mu.Unlock()
	s.Do(fn)
}
