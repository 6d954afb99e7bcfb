package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	events []*Event
	closed bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Store appends a copy of ev.
func (m *MemoryStorage) Store(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

// Query returns matching events newest first.
func (m *MemoryStorage) Query(_ context.Context, f *Filter) ([]*Event, error) {
	if f != nil {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	matched := m.matching(f)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Time.After(matched[j].Time)
	})

	offset := 0
	if f != nil {
		offset = f.Offset
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit := f.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Count returns the number of matching events.
func (m *MemoryStorage) Count(_ context.Context, f *Filter) (int64, error) {
	return int64(len(m.matching(f))), nil
}

// DeleteBefore removes events older than before.
func (m *MemoryStorage) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var deleted int64
	for _, ev := range m.events {
		if ev.Time.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return deleted, nil
}

// Close marks the store closed.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) matching(f *Filter) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first, so the stable sort in Query keeps insertion order
	// reversed for equal timestamps.
	var out []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if f.matches(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}
