package risk

import (
	"sync"
	"time"
)

// Detection is an accepted hazard alert. It is never modified after creation.
type Detection struct {
	ID          string    `json:"id"`
	CameraID    string    `json:"camera_id"`
	CameraName  string    `json:"camera_name,omitempty"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Dimension   Dimension `json:"dimension"`
	Label       string    `json:"label"`
	Confidence  float32   `json:"confidence"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// DefaultLogCapacity is used when a non-positive capacity is requested.
const DefaultLogCapacity = 100

// Log is a bounded detection log. Reads are most-recent-first; once full,
// every insert evicts the oldest entry.
type Log struct {
	mu       sync.RWMutex
	capacity int
	// entries is oldest-first; readers reverse it
	entries []Detection
}

// NewLog creates a log holding at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{capacity: capacity, entries: make([]Detection, 0, capacity)}
}

// Capacity returns the configured bound.
func (l *Log) Capacity() int { return l.capacity }

// Add inserts d as the most recent entry.
func (l *Log) Add(d Detection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, d)
}

// List returns every entry, most recent first.
func (l *Log) List() []Detection {
	return l.Recent(0)
}

// Recent returns up to n entries, most recent first. n <= 0 returns all.
func (l *Log) Recent(n int) []Detection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	size := len(l.entries)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Detection, 0, n)
	for i := size - 1; i >= size-n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// Restore replaces the content with entries given most-recent-first, as
// returned by List. Entries beyond capacity are dropped from the old end.
func (l *Log) Restore(newestFirst []Detection) {
	if len(newestFirst) > l.capacity {
		newestFirst = newestFirst[:l.capacity]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
	for i := len(newestFirst) - 1; i >= 0; i-- {
		l.entries = append(l.entries, newestFirst[i])
	}
}
