package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/models"
	"kepler-edge-go/internal/services/ringbuffer"
	"kepler-edge-go/internal/staging"
)

// WindowReader extracts event windows from the frame buffer.
type WindowReader interface {
	ReadWindow(start, end time.Time) (*ringbuffer.Cursor, error)
}

// ClipEncoder writes frames as a video file at dst.
type ClipEncoder interface {
	Encode(ctx context.Context, frames []*models.Frame, fps int, dst string) error
}

// Thumbnailer renders the optional preview image.
type Thumbnailer interface {
	Thumbnail(still []byte) ([]byte, error)
}

// Reporter receives status updates for the message bus.
type Reporter interface {
	Event(payload interface{})
	Alert(kind, message string, details map[string]interface{})
}

type Options struct {
	CameraID       string
	FPS            int
	WriteRetries   int
	RetryDelay     time.Duration
	QueueSoftLimit int
	EncodeTimeout  time.Duration
	DrainTimeout   time.Duration
	// SecondStillDelay picks a second still this long after the trigger;
	// zero disables it.
	SecondStillDelay time.Duration
}

// Processor turns motion events into staged artifacts, one event at a time
// and in arrival order.
type Processor struct {
	opts     Options
	frames   WindowReader
	layout   staging.Layout
	encoder  ClipEncoder
	thumbs   Thumbnailer
	reporter Reporter
	logger   zerolog.Logger

	mu       sync.Mutex
	queue    []models.MotionEvent
	wake     chan struct{}
	overSoft bool
	stats    Stats
}

type Stats struct {
	QueueDepth       int       `json:"queue_depth"`
	MaxQueueDepth    int       `json:"max_queue_depth"`
	Submitted        int       `json:"submitted"`
	Staged           int       `json:"staged"`
	PartialCaptures  int       `json:"partial_captures"`
	StagingFailures  int       `json:"staging_failures"`
	Backpressure     int       `json:"backpressure"`
	Abandoned        int       `json:"abandoned"`
	InFlight         string    `json:"in_flight,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	LastStagedAt     time.Time `json:"last_staged_at,omitempty"`
	LastStagedID     string    `json:"last_staged_id,omitempty"`
	BackpressureOpen bool      `json:"backpressure_open"`
}

func New(opts Options, frames WindowReader, layout staging.Layout, encoder ClipEncoder, thumbs Thumbnailer, reporter Reporter, logger zerolog.Logger) *Processor {
	if opts.WriteRetries < 1 {
		opts.WriteRetries = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.EncodeTimeout <= 0 {
		opts.EncodeTimeout = 2 * time.Minute
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.FPS <= 0 {
		opts.FPS = 10
	}
	return &Processor{
		opts:     opts,
		frames:   frames,
		layout:   layout,
		encoder:  encoder,
		thumbs:   thumbs,
		reporter: reporter,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Submit queues ev. It never blocks and never drops: a queue longer than the
// soft limit is reported as backpressure.
func (p *Processor) Submit(ev models.MotionEvent) {
	p.mu.Lock()
	p.queue = append(p.queue, ev)
	p.stats.Submitted++
	depth := len(p.queue)
	if depth > p.stats.MaxQueueDepth {
		p.stats.MaxQueueDepth = depth
	}
	crossed := false
	if p.opts.QueueSoftLimit > 0 && depth > p.opts.QueueSoftLimit {
		p.stats.Backpressure++
		if !p.overSoft {
			p.overSoft = true
			crossed = true
		}
	}
	p.mu.Unlock()

	if crossed {
		p.logger.Warn().Int("queue_depth", depth).Int("soft_limit", p.opts.QueueSoftLimit).Msg("Event queue backpressure")
		if p.reporter != nil {
			p.reporter.Alert("backpressure", "event queue above soft limit", map[string]interface{}{
				"queue_depth": depth,
				"soft_limit":  p.opts.QueueSoftLimit,
			})
		}
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run processes queued events until ctx is cancelled. The event being
// written when ctx ends is always finished, and queued events are drained for
// up to DrainTimeout.
func (p *Processor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Event processor panicked")
		}
	}()

	for {
		if ev, ok := p.pop(); ok {
			p.handle(ctx, ev)
			continue
		}
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-p.wake:
		}
	}
}

func (p *Processor) drain() {
	deadline := time.Now().Add(p.opts.DrainTimeout)
	for time.Now().Before(deadline) {
		ev, ok := p.pop()
		if !ok {
			return
		}
		p.handle(context.Background(), ev)
	}

	p.mu.Lock()
	left := len(p.queue)
	p.stats.Abandoned += left
	p.queue = nil
	p.mu.Unlock()
	if left > 0 {
		p.logger.Warn().Int("events", left).Msg("Motion events abandoned at shutdown")
	}
}

func (p *Processor) pop() (models.MotionEvent, bool) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return models.MotionEvent{}, false
	}
	ev := p.queue[0]
	p.queue[0] = models.MotionEvent{}
	p.queue = p.queue[1:]
	depth := len(p.queue)
	cleared := p.overSoft && depth <= p.opts.QueueSoftLimit
	if cleared {
		p.overSoft = false
	}
	p.stats.InFlight = ev.ID
	p.mu.Unlock()

	if cleared {
		p.logger.Info().Int("queue_depth", depth).Msg("Event queue back under soft limit")
		if p.reporter != nil {
			p.reporter.Alert("backpressure_ok", "event queue back under soft limit", map[string]interface{}{
				"queue_depth": depth,
				"soft_limit":  p.opts.QueueSoftLimit,
			})
		}
	}
	return ev, true
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.QueueDepth = len(p.queue)
	s.BackpressureOpen = p.overSoft
	return s
}

func (p *Processor) handle(ctx context.Context, ev models.MotionEvent) {
	logger := p.logger.With().Str("event_id", ev.ID).Logger()

	artifact, err := p.Process(ctx, ev)

	p.mu.Lock()
	p.stats.InFlight = ""
	if artifact.Partial {
		p.stats.PartialCaptures++
	}
	if err != nil {
		p.stats.StagingFailures++
		p.stats.LastError = err.Error()
	} else {
		p.stats.Staged++
		p.stats.LastStagedAt = artifact.CreatedAt
		p.stats.LastStagedID = artifact.ID
	}
	p.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Msg("Event dropped")
		if p.reporter != nil {
			p.reporter.Event(map[string]interface{}{"event_id": ev.ID, "status": "failed", "error": err.Error()})
		}
		return
	}

	logger.Info().
		Int("frames", artifact.FrameCount).
		Bool("partial", artifact.Partial).
		Float64("video_duration", artifact.VideoDuration).
		Msg("Artifact staged")
	if p.reporter != nil {
		p.reporter.Event(map[string]interface{}{"event_id": ev.ID, "status": "staged", "artifact": artifact})
	}
}

// Process stages one event. The returned error is always a
// *models.StagingFailure. Writes are not interrupted by ctx cancellation so a
// shutdown never leaves a half-finished artifact behind a sentinel.
func (p *Processor) Process(ctx context.Context, ev models.MotionEvent) (models.StagedArtifact, error) {
	writeCtx := context.WithoutCancel(ctx)

	artifact := models.StagedArtifact{
		ID:          ev.ID,
		CameraID:    p.opts.CameraID,
		TriggerTime: ev.TriggerTime,
		WindowStart: ev.WindowStart,
		WindowEnd:   ev.WindowEnd,
		Files:       staging.DefaultFiles(ev.ID),
	}

	cursor, err := p.frames.ReadWindow(ev.WindowStart, ev.WindowEnd)
	if err != nil && !errors.Is(err, models.ErrWindowEvicted) {
		return artifact, &models.StagingFailure{EventID: ev.ID, Err: err}
	}
	evicted := err != nil
	frames, err := cursor.Collect()
	if err != nil {
		evicted = true
	}
	if evicted {
		artifact.Partial = true
		p.logger.Warn().
			Str("event_id", ev.ID).
			Int("frames", len(frames)).
			Err(models.ErrPartialCapture).
			Msg("Window partly evicted, staging remaining frames")
	}
	if len(frames) == 0 {
		return artifact, &models.StagingFailure{EventID: ev.ID, Err: models.ErrPartialCapture}
	}
	artifact.FrameCount = len(frames)
	artifact.VideoDuration = float64(len(frames)) / float64(p.opts.FPS)

	still := pickStill(frames, ev.TriggerTime)
	var second *models.Frame
	if p.opts.SecondStillDelay > 0 {
		if f := pickStill(frames, ev.TriggerTime.Add(p.opts.SecondStillDelay)); f.Seq != still.Seq && f.Timestamp.After(still.Timestamp) {
			second = f
			artifact.Files.PictureB = ev.ID + staging.SecondSuffix
		}
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.WriteRetries; attempt++ {
		artifact.CreatedAt = time.Now().UTC()
		lastErr = p.stage(writeCtx, &artifact, frames, still, second)
		if lastErr == nil {
			return artifact, nil
		}
		if p.layout.IsReady(artifact.ID) {
			// The sentinel was renamed into place; only the directory sync failed.
			p.logger.Warn().Err(lastErr).Str("event_id", ev.ID).Msg("Artifact published despite write error")
			return artifact, nil
		}
		p.logger.Warn().
			Err(lastErr).
			Str("event_id", ev.ID).
			Int("attempt", attempt).
			Int("max_attempts", p.opts.WriteRetries).
			Msg("Staging write failed")
		p.discard(artifact)
		if attempt < p.opts.WriteRetries {
			time.Sleep(time.Duration(attempt) * p.opts.RetryDelay)
		}
	}
	return artifact, &models.StagingFailure{EventID: ev.ID, Attempts: p.opts.WriteRetries, Err: lastErr}
}

func (p *Processor) stage(ctx context.Context, artifact *models.StagedArtifact, frames []*models.Frame, still, second *models.Frame) error {
	if err := staging.WriteFileDurable(p.layout.Picture(artifact.ID), still.Payload); err != nil {
		return fmt.Errorf("write picture: %w", err)
	}
	if second != nil {
		if err := staging.WriteFileDurable(p.layout.Second(artifact.ID), second.Payload); err != nil {
			return fmt.Errorf("write second picture: %w", err)
		}
	}

	video := p.layout.Video(artifact.ID)
	tmp := video + staging.TempSuffix
	encCtx, cancel := context.WithTimeout(ctx, p.opts.EncodeTimeout)
	err := p.encoder.Encode(encCtx, frames, p.opts.FPS, tmp)
	cancel()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("encode video: %w", err)
	}
	if err := staging.Commit(tmp, video); err != nil {
		return fmt.Errorf("commit video: %w", err)
	}

	artifact.Files.Thumbnail = ""
	if p.thumbs != nil {
		if thumb, err := p.thumbs.Thumbnail(still.Payload); err != nil {
			p.logger.Warn().Err(err).Str("event_id", artifact.ID).Msg("Thumbnail skipped")
		} else if err := staging.WriteFileDurable(p.layout.Thumbnail(artifact.ID), thumb); err != nil {
			p.logger.Warn().Err(err).Str("event_id", artifact.ID).Msg("Thumbnail write failed")
		} else {
			artifact.Files.Thumbnail = artifact.ID + staging.ThumbSuffix
		}
	}

	if err := p.layout.Finalize(*artifact); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// discard removes whatever a failed attempt left behind. The sentinel is
// never written on a failed attempt, so this only touches unpublished files.
func (p *Processor) discard(a models.StagedArtifact) {
	a.Files.Thumbnail = a.ID + staging.ThumbSuffix
	a.Files.PictureB = a.ID + staging.SecondSuffix
	for _, path := range []string{
		p.layout.Picture(a.ID) + staging.TempSuffix,
		p.layout.Second(a.ID) + staging.TempSuffix,
		p.layout.Video(a.ID) + staging.TempSuffix,
		p.layout.Thumbnail(a.ID) + staging.TempSuffix,
		p.layout.Sentinel(a.ID) + staging.TempSuffix,
	} {
		os.Remove(path)
	}
	if !p.layout.IsReady(a.ID) {
		if err := p.layout.RemoveArtifact(a); err != nil {
			p.logger.Warn().Err(err).Str("event_id", a.ID).Msg("Failed to discard partial artifact")
		}
	}
}

// pickStill returns the frame captured closest to the trigger time.
func pickStill(frames []*models.Frame, trigger time.Time) *models.Frame {
	best := frames[0]
	bestGap := absDuration(best.Timestamp.Sub(trigger))
	for _, f := range frames[1:] {
		if gap := absDuration(f.Timestamp.Sub(trigger)); gap < bestGap {
			best, bestGap = f, gap
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
