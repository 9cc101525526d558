package coordinator

import (
	"sync"
	"time"
)

// TimelineEntry is one line of the operator timeline
type TimelineEntry struct {
	At      time.Time         `json:"at"`
	Kind    string            `json:"kind"`
	Summary string            `json:"summary"`
	Refs    map[string]string `json:"refs,omitempty"`
}

// timeline keeps the most recent entries
type timeline struct {
	mu    sync.Mutex
	items []TimelineEntry
	size  int
}

func newTimeline(size int) *timeline {
	return &timeline{size: size}
}

func (t *timeline) add(e TimelineEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append(t.items, e)
	if over := len(t.items) - t.size; over > 0 {
		t.items = append(t.items[:0:0], t.items[over:]...)
	}
}

func (t *timeline) entries() []TimelineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TimelineEntry(nil), t.items...)
}

func (t *timeline) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = nil
}

func (c *Coordinator) note(kind, summary string, refs map[string]string) {
	c.timeline.add(TimelineEntry{At: c.clock.Now(), Kind: kind, Summary: summary, Refs: refs})
}
