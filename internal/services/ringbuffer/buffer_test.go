package ringbuffer_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"kepler-edge-go/internal/models"
	"kepler-edge-go/internal/services/ringbuffer"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// tsOf is the capture time used for the frame with sequence seq.
func tsOf(seq int) time.Time {
	return base.Add(time.Duration(seq) * 100 * time.Millisecond)
}

func frame(seq int) models.Frame {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(seq))
	return models.Frame{Timestamp: tsOf(seq), Payload: payload, KeyFrame: true}
}

func fill(t *testing.T, capacity, n int) *ringbuffer.Buffer {
	t.Helper()
	b, err := ringbuffer.New(capacity)
	if err != nil {
		t.Fatalf("New(%d): %v", capacity, err)
	}
	for i := 1; i <= n; i++ {
		if got := b.Push(frame(i)); got != uint64(i) {
			t.Fatalf("Push #%d assigned seq %d", i, got)
		}
	}
	return b
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := ringbuffer.New(0)
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New(0) error = %v, want ConfigurationError", err)
	}
}

// TestRetainsMostRecent verifies that after overflowing, exactly the newest
// capacity frames remain.
func TestRetainsMostRecent(t *testing.T) {
	for _, n := range []int{1, 49, 50, 51, 100, 1234} {
		b := fill(t, 50, n)
		want := n
		if want > 50 {
			want = 50
		}
		if got := b.Len(); got != want {
			t.Errorf("n=%d: Len() = %d, want %d", n, got, want)
		}
		s := b.Stats()
		if s.NewestSeq != uint64(n) || s.OldestSeq != uint64(n-want+1) {
			t.Errorf("n=%d: resident range [%d,%d], want [%d,%d]", n, s.OldestSeq, s.NewestSeq, n-want+1, n)
		}
		if s.Evicted != uint64(n-want) {
			t.Errorf("n=%d: Evicted = %d, want %d", n, s.Evicted, n-want)
		}
	}
}

// TestReadWindowScenario pushes 100 frames into a 50 slot buffer; the first
// ten are gone and frames 60-70 are intact.
func TestReadWindowScenario(t *testing.T) {
	b := fill(t, 50, 100)

	if _, err := b.ReadWindow(tsOf(1), tsOf(10)); !errors.Is(err, models.ErrWindowEvicted) {
		t.Fatalf("ReadWindow(1..10) error = %v, want ErrWindowEvicted", err)
	}

	c, err := b.ReadWindow(tsOf(60), tsOf(70))
	if err != nil {
		t.Fatalf("ReadWindow(60..70): %v", err)
	}
	frames, err := c.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(frames) != 11 {
		t.Fatalf("got %d frames, want 11", len(frames))
	}
	for i, f := range frames {
		want := uint64(60 + i)
		if f.Seq != want {
			t.Errorf("frame %d: seq %d, want %d", i, f.Seq, want)
		}
		if got := binary.BigEndian.Uint64(f.Payload); got != want {
			t.Errorf("frame %d: payload seq %d, want %d", i, got, want)
		}
	}
}

// TestReadWindowPartialEviction salvages the resident tail of a window whose
// head was overwritten.
func TestReadWindowPartialEviction(t *testing.T) {
	b := fill(t, 50, 100)

	c, err := b.ReadWindow(tsOf(40), tsOf(55))
	if !errors.Is(err, models.ErrWindowEvicted) {
		t.Fatalf("error = %v, want ErrWindowEvicted", err)
	}
	frames, err := c.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(frames) != 5 || frames[0].Seq != 51 || frames[4].Seq != 55 {
		t.Fatalf("salvaged %d frames starting at %v, want 51..55", len(frames), frames)
	}
}

// TestCursorDetectsOverwrite overwrites frames after the cursor was created
// and before they were read.
func TestCursorDetectsOverwrite(t *testing.T) {
	b := fill(t, 50, 100)

	c, err := b.ReadWindow(tsOf(51), tsOf(60))
	if err != nil {
		t.Fatalf("ReadWindow: %v", err)
	}
	for i := 101; i <= 105; i++ {
		b.Push(frame(i))
	}

	frames, err := c.Collect()
	if !errors.Is(err, models.ErrWindowEvicted) {
		t.Fatalf("Collect error = %v, want ErrWindowEvicted", err)
	}
	if len(frames) != 5 || frames[0].Seq != 56 {
		t.Fatalf("got %d frames, first %v; want 56..60", len(frames), frames)
	}
	if b.Stats().EvictedReads == 0 {
		t.Error("EvictedReads not counted")
	}
}

func TestReadWindowEmptyAndInvalid(t *testing.T) {
	b := fill(t, 10, 5)

	c, err := b.ReadWindow(tsOf(20), tsOf(30))
	if err != nil {
		t.Fatalf("future window: %v", err)
	}
	if f, err := c.Next(); f != nil || err != nil {
		t.Fatalf("Next() = %v, %v; want nil, nil", f, err)
	}

	if _, err := b.ReadWindow(tsOf(3), tsOf(2)); err == nil {
		t.Fatal("expected error for inverted window")
	}
}

func TestReadLatest(t *testing.T) {
	b, _ := ringbuffer.New(3)
	if _, ok := b.ReadLatest(); ok {
		t.Fatal("empty buffer returned a frame")
	}
	for i := 1; i <= 7; i++ {
		b.Push(frame(i))
		f, ok := b.ReadLatest()
		if !ok || f.Seq != uint64(i) {
			t.Fatalf("after push %d ReadLatest = %v, %v", i, f, ok)
		}
	}
}

// TestConcurrentReaders runs one writer against several readers. Every frame a
// reader sees must carry the payload that was pushed with its sequence.
func TestConcurrentReaders(t *testing.T) {
	b, _ := ringbuffer.New(64)
	const total = 20000

	var wg sync.WaitGroup
	done := make(chan struct{})

	check := func(f *models.Frame) {
		if got := binary.BigEndian.Uint64(f.Payload); got != f.Seq {
			t.Errorf("torn frame: seq %d payload %d", f.Seq, got)
		}
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				latest, ok := b.ReadLatest()
				if !ok {
					continue
				}
				check(latest)
				start := latest.Timestamp.Add(-3 * time.Second)
				c, _ := b.ReadWindow(start, latest.Timestamp)
				frames, _ := c.Collect()
				var prev uint64
				for _, f := range frames {
					check(f)
					if f.Seq <= prev {
						t.Errorf("out of order: %d after %d", f.Seq, prev)
					}
					prev = f.Seq
				}
			}
		}()
	}

	for i := 1; i <= total; i++ {
		b.Push(frame(i))
	}
	close(done)
	wg.Wait()

	if s := b.Stats(); s.Pushed != total || s.Len != 64 {
		t.Fatalf("stats = %+v", s)
	}
}
