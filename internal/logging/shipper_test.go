package logging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/models"
)

type fakeSink struct {
	mu      sync.Mutex
	fail    bool
	batches [][]models.LogEntry
}

func (f *fakeSink) ShipLogs(ctx context.Context, entries []models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("central unreachable")
	}
	f.batches = append(f.batches, entries)
	return nil
}

func TestShipperBatchesZerologLines(t *testing.T) {
	sink := &fakeSink{}
	s := NewShipper(sink, time.Hour, 2, zerolog.Nop())
	logger := zerolog.New(s).With().Timestamp().Str("service", "transfer").Logger()

	logger.Info().Str("artifact_id", "evt_1").Msg("Artifact delivered")
	logger.Warn().Msg("Transfer step failed, retrying")
	logger.Error().Msg("Failed to scan staging directory")
	s.Flush(context.Background())

	if len(sink.batches) != 2 || len(sink.batches[0]) != 2 || len(sink.batches[1]) != 1 {
		t.Fatalf("batches = %v, want sizes [2 1]", sink.batches)
	}
	first := sink.batches[0][0]
	if first.Level != "info" || first.Message != "Artifact delivered" || first.Service != "transfer" {
		t.Errorf("entry = %+v", first)
	}
	if first.Fields["artifact_id"] != "evt_1" {
		t.Errorf("fields = %v", first.Fields)
	}
	if st := s.Stats(); st.Shipped != 3 || st.Pending != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestShipperKeepsLinesWhileSinkIsDown(t *testing.T) {
	sink := &fakeSink{fail: true}
	s := NewShipper(sink, time.Hour, 5, zerolog.Nop())
	logger := zerolog.New(s)
	for i := 0; i < 60; i++ {
		logger.Info().Int("i", i).Msg("line")
	}

	s.Flush(context.Background())
	st := s.Stats()
	if st.Pending != 50 || st.Dropped != 10 || st.Failed != 1 {
		t.Fatalf("stats = %+v, want 50 pending and 10 dropped", st)
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	s.Flush(context.Background())
	if got := len(sink.batches); got != 10 {
		t.Fatalf("shipped %d batches, want 10", got)
	}
	// Oldest lines were dropped, so the first shipped line is number 10.
	if v := sink.batches[0][0].Fields["i"]; v != float64(10) {
		t.Errorf("first shipped line i = %v, want 10", v)
	}
}
