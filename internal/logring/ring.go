// Package logring provides a fixed-capacity ring buffer holding an issue's
// live normalized log tail. Readers get point-in-time snapshots; writers
// never block on readers.
package logring

import (
	"sync"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

// DefaultCapacity bounds an issue's live log tail.
const DefaultCapacity = 10000

// Buffer is a bounded append-only buffer. Once full, the oldest entry is
// evicted on each append. Entries are treated as immutable after Append.
type Buffer struct {
	mu      sync.RWMutex
	entries []*models.NormalizedEntry
	head    int // index of the oldest entry
	size    int
	dropped int64
}

// New creates a buffer with the given capacity. Non-positive capacities fall
// back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries: make([]*models.NormalizedEntry, capacity),
	}
}

// Append adds an entry, evicting the oldest if the buffer is full.
func (b *Buffer) Append(entry *models.NormalizedEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.entries) {
		// Overwrite the oldest slot
		b.entries[b.head] = entry
		b.head = (b.head + 1) % len(b.entries)
		b.dropped++
		return
	}

	b.entries[(b.head+b.size)%len(b.entries)] = entry
	b.size++
}

// Snapshot returns the current contents oldest-first. The returned slice is
// owned by the caller; later appends do not affect it.
func (b *Buffer) Snapshot() []*models.NormalizedEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*models.NormalizedEntry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Dropped returns how many entries have been evicted since creation.
func (b *Buffer) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
