package logging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/models"
)

// LogSink accepts batches of log entries, normally the central service.
type LogSink interface {
	ShipLogs(ctx context.Context, entries []models.LogEntry) error
}

// Shipper is an io.Writer for zerolog JSON output. Lines are parsed, queued
// and sent to the sink in batches every interval. Write never blocks on the
// network; when the sink stays down the oldest lines are dropped.
type Shipper struct {
	sink     LogSink
	interval time.Duration
	batchMax int
	limit    int
	timeout  time.Duration
	// logger must not write back into the shipper.
	logger zerolog.Logger

	mu      sync.Mutex
	pending []models.LogEntry
	shipped int
	dropped int
	failed  int
}

func NewShipper(sink LogSink, interval time.Duration, batchMax int, logger zerolog.Logger) *Shipper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchMax <= 0 {
		batchMax = 500
	}
	return &Shipper{
		sink:     sink,
		interval: interval,
		batchMax: batchMax,
		limit:    batchMax * 10,
		timeout:  10 * time.Second,
		logger:   logger,
	}
}

func (s *Shipper) Write(p []byte) (int, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(p, &raw); err != nil {
		// Not JSON; keep the text as the message.
		raw = map[string]interface{}{zerolog.MessageFieldName: string(p)}
	}

	entry := models.LogEntry{Timestamp: time.Now().UTC(), Level: zerolog.InfoLevel.String()}
	if v, ok := raw[zerolog.LevelFieldName].(string); ok {
		entry.Level = v
	}
	if v, ok := raw[zerolog.MessageFieldName].(string); ok {
		entry.Message = v
	}
	if v, ok := raw[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(zerolog.TimeFieldFormat, v); err == nil {
			entry.Timestamp = ts.UTC()
		}
	}
	if v, ok := raw["service"].(string); ok {
		entry.Service = v
	}
	delete(raw, zerolog.LevelFieldName)
	delete(raw, zerolog.MessageFieldName)
	delete(raw, zerolog.TimestampFieldName)
	delete(raw, "service")
	if len(raw) > 0 {
		entry.Fields = raw
	}

	s.mu.Lock()
	s.pending = append(s.pending, entry)
	if over := len(s.pending) - s.limit; over > 0 {
		s.pending = append(s.pending[:0:0], s.pending[over:]...)
		s.dropped += over
	}
	s.mu.Unlock()
	return len(p), nil
}

// Run flushes every interval until ctx is cancelled, then makes one last
// flush bounded by the shipper's timeout.
func (s *Shipper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			s.Flush(fctx)
			cancel()
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush sends queued entries in batches of at most batchMax. A failed batch
// goes back to the front of the queue.
func (s *Shipper) Flush(ctx context.Context) {
	for {
		s.mu.Lock()
		n := len(s.pending)
		if n == 0 {
			s.mu.Unlock()
			return
		}
		if n > s.batchMax {
			n = s.batchMax
		}
		batch := append([]models.LogEntry(nil), s.pending[:n]...)
		s.pending = s.pending[n:]
		s.mu.Unlock()

		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.sink.ShipLogs(sctx, batch)
		cancel()

		s.mu.Lock()
		if err != nil {
			s.failed++
			s.pending = append(batch, s.pending...)
			if over := len(s.pending) - s.limit; over > 0 {
				s.pending = s.pending[over:]
				s.dropped += over
			}
			s.mu.Unlock()
			s.logger.Debug().Err(err).Int("entries", len(batch)).Msg("Failed to ship logs")
			return
		}
		s.shipped += len(batch)
		s.mu.Unlock()
	}
}

type ShipperStats struct {
	Pending int `json:"pending"`
	Shipped int `json:"shipped"`
	Dropped int `json:"dropped"`
	Failed  int `json:"failed_batches"`
}

func (s *Shipper) Stats() ShipperStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShipperStats{Pending: len(s.pending), Shipped: s.shipped, Dropped: s.dropped, Failed: s.failed}
}
