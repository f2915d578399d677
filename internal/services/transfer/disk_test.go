package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []string
}

func (r *alertRecorder) Transfer(interface{}) {}

func (r *alertRecorder) Alert(kind, message string, details map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, kind)
}

func TestDiskMonitorAlertsOnTransitions(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "evt_1.mp4"), make([]byte, 8192), 0o644)

	rec := &alertRecorder{}
	var changes []bool
	d := NewDiskMonitor(dir, 90, time.Minute, rec, func(alert bool) { changes = append(changes, alert) }, zerolog.Nop())

	used := 50.0
	d.usage = func(string) (float64, uint64, error) { return used, 1 << 30, nil }

	for _, pct := range []float64{50, 95, 97, 40, 40} {
		used = pct
		d.Check()
	}

	want := []string{"disk_full", "disk_ok"}
	if len(rec.alerts) != len(want) || rec.alerts[0] != want[0] || rec.alerts[1] != want[1] {
		t.Errorf("alerts = %v, want %v", rec.alerts, want)
	}
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("onChange calls = %v, want [true false]", changes)
	}
	s := d.Status()
	if s.Alert || s.UsedPercent != 40 || s.StagingBytes < 8192 {
		t.Errorf("status = %+v", s)
	}
}

func TestStatfsUsage(t *testing.T) {
	used, _, err := statfsUsage(t.TempDir())
	if err != nil {
		t.Fatalf("statfsUsage() error = %v", err)
	}
	if used < 0 || used > 100 {
		t.Errorf("used = %f, want a percentage", used)
	}
}

func TestStagingWatcherWakesOnSentinel(t *testing.T) {
	dir := t.TempDir()
	woke := make(chan struct{}, 8)
	w, err := NewStagingWatcher(dir, func() { woke <- struct{}{} }, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStagingWatcher() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	os.WriteFile(filepath.Join(dir, "evt_1.mp4"), []byte("video"), 0o644)
	os.WriteFile(filepath.Join(dir, "evt_1.READY"), []byte("{}"), 0o644)

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the sentinel")
	}
}
