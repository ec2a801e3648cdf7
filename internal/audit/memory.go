package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLogger stores audit entries in memory for demo/testing.
type MemoryLogger struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Log(ctx context.Context, e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *e
	Stamp(ctx, &cp)
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, &cp)
	return nil
}

// Query returns matches newest first.
func (l *MemoryLogger) Query(_ context.Context, q Query) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := q.limit()
	var result []*Entry
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if q.BeforeID > 0 && e.ID >= q.BeforeID {
			continue
		}
		if q.TeamID != "" && e.TeamID != q.TeamID {
			continue
		}
		if q.ResourceType != "" && e.ResourceType != q.ResourceType {
			continue
		}
		if q.ResourceID != "" && e.ResourceID != q.ResourceID {
			continue
		}
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.CreatedAt.After(q.To) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}
