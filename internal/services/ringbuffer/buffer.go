// Package ringbuffer holds the most recent encoded frames for motion scanning
// and event extraction.
//
// There is exactly one writer (the capture loop) and any number of readers.
// Push takes the write lock only long enough to swap one slot pointer, so the
// writer is never held up by a slow reader. Readers get a Cursor that
// re-checks each slot's sequence number before handing out a frame and
// reports ErrWindowEvicted instead of returning a frame that has been
// replaced.
package ringbuffer

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kepler-edge-go/internal/models"
)

type Buffer struct {
	mu       sync.RWMutex
	slots    []*models.Frame
	capacity int
	next     uint64 // sequence number the next Push will assign

	lastEvicted time.Time
	hasEvicted  bool

	pushed       atomic.Uint64
	evicted      atomic.Uint64
	evictedReads atomic.Uint64
}

type Stats struct {
	Capacity     int    `json:"capacity"`
	Len          int    `json:"len"`
	Pushed       uint64 `json:"pushed"`
	Evicted      uint64 `json:"evicted"`
	EvictedReads uint64 `json:"evicted_reads"`
	OldestSeq    uint64 `json:"oldest_seq"`
	NewestSeq    uint64 `json:"newest_seq"`
}

// New returns a buffer holding at most capacity frames.
func New(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, &models.ConfigurationError{
			Field:  "RING_CAPACITY",
			Reason: fmt.Sprintf("capacity %d must be at least 1", capacity),
		}
	}
	return &Buffer{
		slots:    make([]*models.Frame, capacity),
		capacity: capacity,
		next:     1,
	}, nil
}

// Push stores f, overwriting the oldest frame when full, and returns the
// sequence number assigned to it. Sequence numbers start at 1.
func (b *Buffer) Push(f models.Frame) uint64 {
	b.mu.Lock()
	seq := b.next
	b.next++
	f.Seq = seq
	idx := b.index(seq)
	if old := b.slots[idx]; old != nil {
		b.lastEvicted = old.Timestamp
		b.hasEvicted = true
		b.evicted.Add(1)
	}
	b.slots[idx] = &f
	b.mu.Unlock()

	b.pushed.Add(1)
	return seq
}

// ReadLatest returns the newest frame without waiting.
func (b *Buffer) ReadLatest() (*models.Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.next == 1 {
		return nil, false
	}
	return b.slots[b.index(b.next-1)], true
}

// ReadWindow returns a cursor over the frames whose timestamps fall within
// [start, end]. When part of the window has already been overwritten it
// returns ErrWindowEvicted together with a cursor over the frames that are
// still resident, so callers can choose to salvage them.
func (b *Buffer) ReadWindow(start, end time.Time) (*Cursor, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("invalid window: end %s before start %s", end, start)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	oldest, newest := b.residentLocked()
	c := &Cursor{buf: b}

	var err error
	if b.hasEvicted && !b.lastEvicted.Before(start) {
		b.evictedReads.Add(1)
		err = models.ErrWindowEvicted
	}
	if newest < oldest {
		return c, err
	}

	n := int(newest - oldest + 1)
	first := sort.Search(n, func(i int) bool {
		return !b.slots[b.index(oldest+uint64(i))].Timestamp.Before(start)
	})
	last := sort.Search(n, func(i int) bool {
		return b.slots[b.index(oldest+uint64(i))].Timestamp.After(end)
	})
	if first < last {
		c.next = oldest + uint64(first)
		c.last = oldest + uint64(last) - 1
	}
	return c, err
}

// Len reports how many frames are resident.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	oldest, newest := b.residentLocked()
	if newest < oldest {
		return 0
	}
	return int(newest - oldest + 1)
}

func (b *Buffer) Capacity() int {
	return b.capacity
}

func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	oldest, newest := b.residentLocked()
	b.mu.RUnlock()

	s := Stats{
		Capacity:     b.capacity,
		Pushed:       b.pushed.Load(),
		Evicted:      b.evicted.Load(),
		EvictedReads: b.evictedReads.Load(),
	}
	if newest >= oldest {
		s.Len = int(newest - oldest + 1)
		s.OldestSeq = oldest
		s.NewestSeq = newest
	}
	return s
}

// residentLocked returns the oldest and newest resident sequence numbers.
// newest < oldest means the buffer is empty.
func (b *Buffer) residentLocked() (oldest, newest uint64) {
	newest = b.next - 1
	oldest = 1
	if newest > uint64(b.capacity) {
		oldest = newest - uint64(b.capacity) + 1
	}
	return oldest, newest
}

func (b *Buffer) oldestResident() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	oldest, _ := b.residentLocked()
	return oldest
}

func (b *Buffer) index(seq uint64) int {
	return int((seq - 1) % uint64(b.capacity))
}

// frameAt returns the frame with sequence seq if it is still resident.
func (b *Buffer) frameAt(seq uint64) (*models.Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f := b.slots[b.index(seq)]
	if f == nil || f.Seq != seq {
		return nil, false
	}
	return f, true
}
