package clock

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Scheduler keeps at most one live timer per key. Scheduling a key that
// already has a pending timer stops the old timer first, and a timer that
// fires after it was superseded is ignored.
type Scheduler struct {
	clock  Clock
	mu     sync.Mutex
	timers map[string]*scheduled
	seq    uint64
}

type scheduled struct {
	timer    Timer
	seq      uint64
	deadline time.Time
	label    string
}

// NewScheduler creates a Scheduler backed by the given clock
func NewScheduler(c Clock) *Scheduler {
	return &Scheduler{
		clock:  c,
		timers: make(map[string]*scheduled),
	}
}

// Schedule runs fn after d under key, replacing any pending timer for key.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.ScheduleLabeled(key, "", d, fn)
}

// ScheduleLabeled is Schedule with a free-form label that can be read back
// through Pending, e.g. the kind of transition the timer will perform.
func (s *Scheduler) ScheduleLabeled(key, label string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
		delete(s.timers, key)
	}

	s.seq++
	seq := s.seq
	entry := &scheduled{
		seq:      seq,
		deadline: s.clock.Now().Add(d),
		label:    label,
	}
	s.timers[key] = entry
	entry.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[key]
		if !ok || cur.seq != seq {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		fn()
	})
}

// Cancel stops the pending timer for key. Returns true if one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, key)
	return true
}

// CancelPrefix stops every pending timer whose key starts with prefix
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, entry := range s.timers {
		if strings.HasPrefix(key, prefix) {
			entry.timer.Stop()
			delete(s.timers, key)
			n++
		}
	}
	return n
}

// CancelAll stops every pending timer
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

// Pending reports the deadline and label of the timer pending under key
func (s *Scheduler) Pending(key string) (deadline time.Time, label string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[key]
	if !ok {
		return time.Time{}, "", false
	}
	return entry.deadline, entry.label, true
}

// Remaining returns the time left before key fires
func (s *Scheduler) Remaining(key string) (time.Duration, bool) {
	deadline, _, ok := s.Pending(key)
	if !ok {
		return 0, false
	}
	remaining := deadline.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Len returns the number of pending timers
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Keys returns the pending keys in sorted order
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.timers))
	for key := range s.timers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
