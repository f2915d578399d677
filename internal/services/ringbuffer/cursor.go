package ringbuffer

import "kepler-edge-go/internal/models"

// Cursor walks a fixed range of sequence numbers captured by ReadWindow.
// Each cursor is independent; it holds no lock between calls.
type Cursor struct {
	buf  *Buffer
	next uint64
	last uint64 // zero when the range is empty
}

// Next returns the next frame in the window. It returns (nil, nil) when the
// window is exhausted and ErrWindowEvicted when the writer has overtaken the
// cursor. After an eviction the cursor skips forward to the oldest frame that
// is still resident, so the caller may keep reading.
func (c *Cursor) Next() (*models.Frame, error) {
	if c.last == 0 || c.next > c.last {
		return nil, nil
	}
	seq := c.next
	c.next++
	if f, ok := c.buf.frameAt(seq); ok {
		return f, nil
	}

	c.buf.evictedReads.Add(1)
	if oldest := c.buf.oldestResident(); oldest > c.next {
		c.next = oldest
	}
	return nil, models.ErrWindowEvicted
}

// Remaining is the number of sequence numbers left in the window.
func (c *Cursor) Remaining() int {
	if c.last == 0 || c.next > c.last {
		return 0
	}
	return int(c.last - c.next + 1)
}

// Collect drains the cursor. Frames that were overwritten while reading are
// skipped and reported through ErrWindowEvicted; the frames that could be
// read are always returned.
func (c *Cursor) Collect() ([]*models.Frame, error) {
	frames := make([]*models.Frame, 0, c.Remaining())
	var evicted bool
	for {
		f, err := c.Next()
		if err != nil {
			evicted = true
			continue
		}
		if f == nil {
			break
		}
		frames = append(frames, f)
	}
	if evicted {
		return frames, models.ErrWindowEvicted
	}
	return frames, nil
}
