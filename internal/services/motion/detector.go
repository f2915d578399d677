package motion

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/models"
)

// Classifier decides whether cur differs enough from prev to count as motion.
type Classifier interface {
	Classify(prev, cur *models.Frame) (motion bool, score float64, err error)
}

// FrameSource is the live view the detector scans.
type FrameSource interface {
	ReadLatest() (*models.Frame, bool)
}

// EventSink receives exactly one event per motion episode.
type EventSink interface {
	Submit(ev models.MotionEvent)
}

type Options struct {
	PreRoll      time.Duration
	PostRoll     time.Duration
	MaxEpisode   time.Duration
	ScanInterval time.Duration
}

// Detector turns per-frame classifications into debounced motion episodes.
// Episode boundaries are computed from frame capture timestamps, never from
// the wall clock, so a late scan does not stretch a window.
type Detector struct {
	opts       Options
	source     FrameSource
	classifier Classifier
	sink       EventSink
	logger     zerolog.Logger

	mu         sync.Mutex
	active     bool
	trigger    time.Time
	lastMotion time.Time
	peak       float64
	hits       int

	prev    *models.Frame
	emitted int
	errors  int
}

type Stats struct {
	Active      bool      `json:"active"`
	TriggerTime time.Time `json:"trigger_time,omitempty"`
	LastMotion  time.Time `json:"last_motion,omitempty"`
	Emitted     int       `json:"emitted"`
	Errors      int       `json:"classify_errors"`
}

func NewDetector(opts Options, source FrameSource, classifier Classifier, sink EventSink, logger zerolog.Logger) *Detector {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 100 * time.Millisecond
	}
	return &Detector{
		opts:       opts,
		source:     source,
		classifier: classifier,
		sink:       sink,
		logger:     logger,
	}
}

// Run scans the newest frame every ScanInterval until ctx is cancelled. An
// episode still open at shutdown is flushed so it is not lost.
func (d *Detector) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Motion detector panicked")
		}
	}()

	ticker := time.NewTicker(d.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Flush()
			return
		case <-ticker.C:
			d.scan()
		}
	}
}

func (d *Detector) scan() {
	cur, ok := d.source.ReadLatest()
	if !ok {
		return
	}
	if d.prev != nil && cur.Seq == d.prev.Seq {
		return
	}
	prev := d.prev
	d.prev = cur
	if prev == nil {
		return
	}

	moving, score, err := d.classifier.Classify(prev, cur)
	if err != nil {
		d.mu.Lock()
		d.errors++
		d.mu.Unlock()
		d.logger.Warn().Err(err).Uint64("seq", cur.Seq).Msg("Motion classification failed")
		return
	}
	d.Observe(cur.Timestamp, moving, score)
}

// Observe feeds one classification result into the episode state machine.
// Motion while idle opens an episode, motion inside an episode extends it,
// and an episode closes once PostRoll has passed without motion or it has
// lasted MaxEpisode.
func (d *Detector) Observe(ts time.Time, moving bool, score float64) {
	d.mu.Lock()
	var ev *models.MotionEvent

	switch {
	case !d.active && moving:
		d.active = true
		d.trigger = ts
		d.lastMotion = ts
		d.peak = score
		d.hits = 1
		d.logger.Info().Time("trigger_time", ts).Float64("score", score).Msg("Motion started")

	case d.active && moving:
		d.lastMotion = ts
		d.hits++
		if score > d.peak {
			d.peak = score
		}
		if d.opts.MaxEpisode > 0 && ts.Sub(d.trigger) >= d.opts.MaxEpisode {
			ev = d.closeLocked()
		}

	case d.active && !moving:
		if ts.Sub(d.lastMotion) > d.opts.PostRoll {
			ev = d.closeLocked()
		}
	}
	d.mu.Unlock()

	if ev != nil {
		d.emit(*ev)
	}
}

// Flush emits the open episode, if any, as if motion ended at the last
// observed motion frame.
func (d *Detector) Flush() {
	d.mu.Lock()
	var ev *models.MotionEvent
	if d.active {
		ev = d.closeLocked()
	}
	d.mu.Unlock()

	if ev != nil {
		d.emit(*ev)
	}
}

func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{Active: d.active, Emitted: d.emitted, Errors: d.errors}
	if d.active {
		s.TriggerTime = d.trigger
		s.LastMotion = d.lastMotion
	}
	return s
}

func (d *Detector) closeLocked() *models.MotionEvent {
	ev := &models.MotionEvent{
		ID:          models.EventIDFromTime(d.trigger),
		TriggerTime: d.trigger,
		WindowStart: d.trigger.Add(-d.opts.PreRoll),
		WindowEnd:   d.lastMotion.Add(d.opts.PostRoll),
		Confidence:  d.peak,
		Frames:      d.hits,
	}
	d.active = false
	d.hits = 0
	d.peak = 0
	d.emitted++
	return ev
}

func (d *Detector) emit(ev models.MotionEvent) {
	d.logger.Info().
		Str("event_id", ev.ID).
		Time("window_start", ev.WindowStart).
		Time("window_end", ev.WindowEnd).
		Int("motion_frames", ev.Frames).
		Msg("Motion episode closed")
	d.sink.Submit(ev)
}
