package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DiskStatus describes how full the staging filesystem is.
type DiskStatus struct {
	Path         string    `json:"path"`
	UsedPercent  float64   `json:"used_percent"`
	FreeBytes    uint64    `json:"free_bytes"`
	StagingBytes int64     `json:"staging_bytes"`
	Alert        bool      `json:"alert"`
	CheckedAt    time.Time `json:"checked_at"`
}

// DiskMonitor raises an operational alert while the staging filesystem is
// above the threshold. It never stops staging.
type DiskMonitor struct {
	path      string
	threshold float64
	interval  time.Duration
	reporter  Reporter
	onChange  func(alert bool)
	logger    zerolog.Logger

	// usage is replaced in tests.
	usage func(path string) (usedPct float64, free uint64, err error)

	mu     sync.Mutex
	status DiskStatus
}

func NewDiskMonitor(path string, threshold float64, interval time.Duration, reporter Reporter, onChange func(bool), logger zerolog.Logger) *DiskMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DiskMonitor{
		path:      path,
		threshold: threshold,
		interval:  interval,
		reporter:  reporter,
		onChange:  onChange,
		logger:    logger,
		usage:     statfsUsage,
		status:    DiskStatus{Path: path},
	}
}

func (d *DiskMonitor) Run(ctx context.Context) {
	d.Check()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Check()
		}
	}
}

// Check samples disk usage once and raises or clears the alert.
func (d *DiskMonitor) Check() DiskStatus {
	used, free, err := d.usage(d.path)
	if err != nil {
		d.logger.Error().Err(err).Str("path", d.path).Msg("Failed to read disk usage")
		return d.Status()
	}
	staged, _ := DirSize(d.path)

	d.mu.Lock()
	was := d.status.Alert
	d.status = DiskStatus{
		Path:         d.path,
		UsedPercent:  used,
		FreeBytes:    free,
		StagingBytes: staged,
		Alert:        used >= d.threshold,
		CheckedAt:    time.Now().UTC(),
	}
	now := d.status
	d.mu.Unlock()

	if now.Alert == was {
		return now
	}
	details := map[string]interface{}{
		"used_percent":  now.UsedPercent,
		"free_bytes":    now.FreeBytes,
		"staging_bytes": now.StagingBytes,
		"threshold":     d.threshold,
	}
	if now.Alert {
		d.logger.Warn().Float64("used_percent", used).Float64("threshold", d.threshold).Msg("Staging disk almost full")
		if d.reporter != nil {
			d.reporter.Alert("disk_full", "staging disk above threshold", details)
		}
	} else {
		d.logger.Info().Float64("used_percent", used).Msg("Staging disk usage back to normal")
		if d.reporter != nil {
			d.reporter.Alert("disk_ok", "staging disk below threshold", details)
		}
	}
	if d.onChange != nil {
		d.onChange(now.Alert)
	}
	return now
}

func (d *DiskMonitor) Status() DiskStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func statfsUsage(path string) (float64, uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, 0, nil
	}
	free := st.Bavail * uint64(st.Bsize)
	used := (st.Blocks - st.Bfree) * uint64(st.Bsize)
	return float64(used) / float64(total) * 100, free, nil
}

// DirSize returns the allocated size of the files under path.
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			if stat, ok := info.Sys().(*syscall.Stat_t); ok {
				size += int64(stat.Blocks) * 512 // 512 is the block size used by du
			} else {
				size += info.Size()
			}
		}
		return nil
	})
	return size, err
}
