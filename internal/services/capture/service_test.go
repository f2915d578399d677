package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/models"
)

type scriptedGrabber struct {
	mu       sync.Mutex
	openErrs int // Open fails this many times
	failFrom int // Grab fails from this frame on, 0 = never
	opens    int
	closes   int
	grabs    int
}

func (g *scriptedGrabber) Open() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opens++
	if g.opens <= g.openErrs {
		return errors.New("device busy")
	}
	return nil
}

func (g *scriptedGrabber) Grab() ([]byte, int, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grabs++
	if g.failFrom > 0 && g.grabs >= g.failFrom {
		return nil, 0, 0, errors.New("read timeout")
	}
	return []byte{0xFF, 0xD8, byte(g.grabs)}, 640, 480, nil
}

func (g *scriptedGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	return nil
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []models.Frame
}

func (r *frameRecorder) Push(f models.Frame) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return uint64(len(r.frames))
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCapturePushesFrames(t *testing.T) {
	g := &scriptedGrabber{}
	sink := &frameRecorder{}
	s := New(Options{FPS: 100}, g, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return sink.count() >= 5 })
	cancel()
	<-done

	st := s.Stats()
	if st.Open || st.Frames < 5 || st.LastSeq != st.Frames {
		t.Errorf("stats = %+v", st)
	}
	f := sink.frames[0]
	if f.Width != 640 || f.Height != 480 || f.Timestamp.IsZero() {
		t.Errorf("frame = %+v", f)
	}
	if g.closes != 1 {
		t.Errorf("source closed %d times, want 1", g.closes)
	}
}

func TestCaptureRetriesOpen(t *testing.T) {
	g := &scriptedGrabber{openErrs: 3}
	sink := &frameRecorder{}
	s := New(Options{FPS: 100}, g, sink, zerolog.Nop())
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return ctx.Err() == nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return sink.count() >= 1 })
	cancel()
	<-done

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("backoff delays = %v, want %v", delays, want)
		}
	}
	if st := s.Stats(); st.Errors != 3 || st.Reopens != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCaptureReopensAfterConsecutiveErrors(t *testing.T) {
	g := &scriptedGrabber{failFrom: 3}
	sink := &frameRecorder{}
	s := New(Options{FPS: 200, MaxConsecutiveErrors: 2}, g, sink, zerolog.Nop())
	reopened := make(chan struct{}, 1)
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		select {
		case reopened <- struct{}{}:
		default:
		}
		return false
	}

	s.Run(context.Background())

	select {
	case <-reopened:
	default:
		t.Fatal("capture did not back off after consecutive failures")
	}
	if sink.count() != 2 {
		t.Errorf("pushed %d frames, want 2", sink.count())
	}
	if g.closes != 1 {
		t.Errorf("closes = %d, want 1", g.closes)
	}
}
