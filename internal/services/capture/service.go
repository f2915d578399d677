package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/models"
)

// Grabber reads encoded frames from a camera.
type Grabber interface {
	Open() error
	// Grab blocks until the next frame and returns it JPEG encoded.
	Grab() (payload []byte, width, height int, err error)
	Close() error
}

// FrameSink receives captured frames; the ring buffer.
type FrameSink interface {
	Push(f models.Frame) uint64
}

var errEmptyFrame = errors.New("empty frame")

type Options struct {
	FPS                  int
	MaxConsecutiveErrors int
	ReopenBackoffMin     time.Duration
	ReopenBackoffMax     time.Duration
}

// Service runs the capture loop: open the source, grab at the target frame
// rate and push every frame into the sink. A source that keeps failing is
// closed and reopened with capped backoff until ctx ends.
type Service struct {
	opts    Options
	grabber Grabber
	sink    FrameSink
	logger  zerolog.Logger

	mu    sync.Mutex
	stats Stats

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

type Stats struct {
	Open        bool      `json:"open"`
	Frames      uint64    `json:"frames"`
	LastSeq     uint64    `json:"last_seq"`
	Errors      int       `json:"errors"`
	Reopens     int       `json:"reopens"`
	LastFrameAt time.Time `json:"last_frame_at,omitempty"`
	MeasuredFPS float64   `json:"measured_fps"`
	LastError   string    `json:"last_error,omitempty"`
}

func New(opts Options, grabber Grabber, sink FrameSink, logger zerolog.Logger) *Service {
	if opts.FPS <= 0 {
		opts.FPS = 10
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 10
	}
	if opts.ReopenBackoffMin <= 0 {
		opts.ReopenBackoffMin = time.Second
	}
	if opts.ReopenBackoffMax < opts.ReopenBackoffMin {
		opts.ReopenBackoffMax = 30 * time.Second
	}
	return &Service{opts: opts, grabber: grabber, sink: sink, logger: logger, sleep: sleepCtx}
}

// Run captures until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Capture loop panicked")
		}
	}()

	for attempt := 0; ctx.Err() == nil; attempt++ {
		if attempt > 0 {
			delay := s.backoff(attempt)
			s.logger.Info().Dur("backoff", delay).Int("attempt", attempt).Msg("Reopening capture source")
			if !s.sleep(ctx, delay) {
				return
			}
			s.mu.Lock()
			s.stats.Reopens++
			s.mu.Unlock()
		}

		if err := s.grabber.Open(); err != nil {
			s.recordError(err)
			s.logger.Error().Err(err).Msg("Failed to open capture source")
			continue
		}
		s.setOpen(true)
		s.logger.Info().Int("fps", s.opts.FPS).Msg("Capture source opened")

		err := s.loop(ctx)
		s.setOpen(false)
		if cerr := s.grabber.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Failed to close capture source")
		}
		if err == nil {
			s.logger.Info().Msg("Capture stopped")
			return
		}
		s.logger.Warn().Err(err).Msg("Capture source failing, resetting")
		// The source worked before failing; restart the backoff.
		attempt = 0
	}
}

// loop returns nil when ctx ends, or an error after too many consecutive
// failed grabs.
func (s *Service) loop(ctx context.Context) error {
	interval := time.Second / time.Duration(s.opts.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutive := 0
	window := make([]time.Time, 0, s.opts.FPS*2)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		payload, w, h, err := s.grabber.Grab()
		if err == nil && len(payload) == 0 {
			err = errEmptyFrame
		}
		if err != nil {
			consecutive++
			s.recordError(err)
			s.logger.Debug().Err(err).Int("consecutive_errors", consecutive).Msg("Failed to read frame")
			if consecutive >= s.opts.MaxConsecutiveErrors {
				return fmt.Errorf("%d consecutive read failures: %w", consecutive, err)
			}
			continue
		}
		consecutive = 0

		now := time.Now()
		seq := s.sink.Push(models.Frame{Timestamp: now, Payload: payload, Width: w, Height: h, KeyFrame: true})

		window = append(window, now)
		if len(window) > cap(window)-1 {
			window = append(window[:0], window[1:]...)
		}
		s.mu.Lock()
		s.stats.Frames++
		s.stats.LastSeq = seq
		s.stats.LastFrameAt = now
		if n := len(window); n > 1 {
			if span := window[n-1].Sub(window[0]).Seconds(); span > 0 {
				s.stats.MeasuredFPS = float64(n-1) / span
			}
		}
		s.mu.Unlock()
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.opts.ReopenBackoffMin
	for i := 1; i < attempt && d < s.opts.ReopenBackoffMax; i++ {
		d *= 2
	}
	if d > s.opts.ReopenBackoffMax {
		d = s.opts.ReopenBackoffMax
	}
	return d
}

func (s *Service) recordError(err error) {
	s.mu.Lock()
	s.stats.Errors++
	s.stats.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Service) setOpen(open bool) {
	s.mu.Lock()
	s.stats.Open = open
	s.mu.Unlock()
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
