package cdc

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/metrics"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

// DebounceEntry is the in-flight aggregation state for one metric key,
// merged across every CDC change seen within the current window.
type DebounceEntry struct {
	MetricKey string
	FirstSeen time.Time
	LastSeen  time.Time
	Changes   map[string]model.PropertyValue
	Deleted   map[string]bool
	Version   int64
	Actor     string
	EventIDs  map[string]struct{}
}

func (e *DebounceEntry) merge(changes map[string]model.PropertyValue, deleted map[string]bool, version int64, actor, eventID string, now time.Time) {
	for k, v := range changes {
		e.Changes[k] = v
		delete(e.Deleted, k)
	}
	for k := range deleted {
		e.Deleted[k] = true
		delete(e.Changes, k)
	}
	if version >= e.Version {
		e.Version = version
	}
	if actor != "" {
		e.Actor = actor
	}
	if eventID != "" {
		e.EventIDs[eventID] = struct{}{}
	}
	e.LastSeen = now
}

func (e *DebounceEntry) toAggregatedDiff(canaryID, unsPath string) model.AggregatedDiff {
	ids := make([]string, 0, len(e.EventIDs))
	for id := range e.EventIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return model.AggregatedDiff{
		MetricKey:   0,
		CanaryID:    canaryID,
		UNSPath:     unsPath,
		Versions:    []int64{e.Version},
		Changes:     e.Changes,
		Deleted:     e.Deleted,
		EventIDs:    ids,
		FirstSeen:   e.FirstSeen,
		LastSeen:    e.LastSeen,
		LatestActor: e.Actor,
	}
}

// DebounceBuffer aggregates per-metric diffs within window, flushing an
// entry once now-FirstSeen >= window (spec's eligibility rule, not a
// sliding last-update window: a metric updated continuously still flushes
// on schedule rather than never).
type DebounceBuffer struct {
	mu       sync.Mutex
	window   time.Duration
	cap      int
	clock    clockwork.Clock
	entries  map[string]*DebounceEntry
	sequence []string

	dropped int64
	emitted int64
}

func NewDebounceBuffer(window time.Duration, capacity int, clock clockwork.Clock) *DebounceBuffer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DebounceBuffer{
		window:  window,
		cap:     capacity,
		clock:   clock,
		entries: map[string]*DebounceEntry{},
	}
}

// Add merges one changeset into metricKey's entry, recording FirstSeen
// on the first call for that key.
func (b *DebounceBuffer) Add(metricKey string, changes map[string]model.PropertyValue, deleted map[string]bool, version int64, actor, eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	entry, ok := b.entries[metricKey]
	if !ok {
		if len(b.entries) >= b.cap {
			b.dropped++
			metrics.DebounceDropsTotal.Inc()
			logger.For(logger.ComponentDebounce).Warnw("debounce buffer full, dropping new metric key",
				"metric_key", metricKey)
			return
		}
		entry = &DebounceEntry{
			MetricKey: metricKey,
			FirstSeen: now,
			LastSeen:  now,
			Changes:   map[string]model.PropertyValue{},
			Deleted:   map[string]bool{},
			EventIDs:  map[string]struct{}{},
		}
		b.entries[metricKey] = entry
		b.sequence = append(b.sequence, metricKey)
	}
	entry.merge(changes, deleted, version, actor, eventID, now)
}

// FlushDue pops every entry whose window has elapsed, in first-seen
// order, converting each to a model.AggregatedDiff. canaryOf resolves a
// metric key to its canary id / uns path for the emitted diff.
func (b *DebounceBuffer) FlushDue(canaryOf func(metricKey string) (canaryID, unsPath string)) []model.AggregatedDiff {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	due := make([]string, 0)
	for _, key := range b.sequence {
		if now.Sub(b.entries[key].FirstSeen) >= b.window {
			due = append(due, key)
		}
	}
	if len(due) == 0 {
		return nil
	}

	diffs := make([]model.AggregatedDiff, 0, len(due))
	for _, key := range due {
		entry := b.entries[key]
		delete(b.entries, key)
		b.removeFromSequenceLocked(key)
		canaryID, unsPath := "", ""
		if canaryOf != nil {
			canaryID, unsPath = canaryOf(key)
		}
		diffs = append(diffs, entry.toAggregatedDiff(canaryID, unsPath))
	}
	b.emitted += int64(len(diffs))
	return diffs
}

func (b *DebounceBuffer) PendingKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sequence))
	copy(out, b.sequence)
	return out
}

func (b *DebounceBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *DebounceBuffer) Stats() (dropped, emitted int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped, b.emitted
}

func (b *DebounceBuffer) removeFromSequenceLocked(key string) {
	for i, k := range b.sequence {
		if k == key {
			b.sequence = append(b.sequence[:i], b.sequence[i+1:]...)
			return
		}
	}
}
