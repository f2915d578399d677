package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/logging"
	"kepler-edge-go/internal/models"
	"kepler-edge-go/internal/staging"
)

// Notifier tells the central service about a delivered artifact. Calls for
// the same artifact id must be safe to repeat.
type Notifier interface {
	NotifyArtifact(ctx context.Context, n models.Notification) error
}

// DeliveryRecorder keeps an audit trail of completed deliveries.
type DeliveryRecorder interface {
	RecordDelivery(rec models.TransferRecord) error
}

// Reporter receives status updates for the message bus.
type Reporter interface {
	Transfer(payload interface{})
	Alert(kind, message string, details map[string]interface{})
}

type Options struct {
	CameraID       string
	PollInterval   time.Duration
	NetworkTimeout time.Duration
	Backoff        Backoff
	StatsInterval  time.Duration
	MaxParallel    int
	// StallAlertAfter raises an alert once an artifact has failed this many
	// consecutive attempts in one state.
	StallAlertAfter int
	KeepRecent      int
}

// Manager delivers staged artifacts. Each sentinel found in the staging
// directory gets its own goroutine walking Discovered, Uploading, Notifying,
// CleaningUp and Done. Failed network steps are retried in place with
// backoff, forever; local files are removed only after the upload and the
// notification have both succeeded.
type Manager struct {
	opts     Options
	layout   staging.Layout
	store    RemoteStore
	notifier Notifier
	ledger   DeliveryRecorder
	reporter Reporter
	logger   zerolog.Logger

	mu      sync.Mutex
	tracked map[string]*models.TransferRecord
	recent  []models.TransferRecord
	stats   Stats

	wake  chan struct{}
	slots chan struct{}
	wg    sync.WaitGroup

	// sleep waits d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

type Stats struct {
	Discovered      int       `json:"discovered"`
	Delivered       int       `json:"delivered"`
	Lost            int       `json:"lost"`
	InFlight        int       `json:"in_flight"`
	Failing         int       `json:"failing"`
	UploadAttempts  int       `json:"upload_attempts"`
	UploadFailures  int       `json:"upload_failures"`
	UploadSkipped   int       `json:"upload_skipped"`
	NotifyAttempts  int       `json:"notify_attempts"`
	NotifyFailures  int       `json:"notify_failures"`
	CleanupFailures int       `json:"cleanup_failures"`
	LastDeliveredAt time.Time `json:"last_delivered_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Status is the observable state of the manager.
type Status struct {
	Stats   Stats                   `json:"stats"`
	Active  []models.TransferRecord `json:"active"`
	Recent  []models.TransferRecord `json:"recent"`
	Polling time.Duration           `json:"poll_interval"`
}

func NewManager(opts Options, layout staging.Layout, store RemoteStore, notifier Notifier, ledger DeliveryRecorder, reporter Reporter, logger zerolog.Logger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 30 * time.Second
	}
	if opts.Backoff.Min <= 0 {
		opts.Backoff.Min = time.Second
	}
	if opts.Backoff.Max < opts.Backoff.Min {
		opts.Backoff.Max = opts.Backoff.Min
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.StallAlertAfter <= 0 {
		opts.StallAlertAfter = 10
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = 50
	}
	return &Manager{
		opts:     opts,
		layout:   layout,
		store:    store,
		notifier: notifier,
		ledger:   ledger,
		reporter: reporter,
		logger:   logger,
		tracked:  make(map[string]*models.TransferRecord),
		wake:     make(chan struct{}, 1),
		slots:    make(chan struct{}, opts.MaxParallel),
		sleep:    sleepCtx,
	}
}

// Wake triggers a scan before the next poll tick.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run polls the staging directory until ctx is cancelled, then waits for the
// artifact goroutines to return. In-flight network attempts are abandoned;
// their sentinels are still on disk and are picked up on the next start.
func (m *Manager) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Transfer manager panicked")
		}
	}()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	var statsC <-chan time.Time
	if m.opts.StatsInterval > 0 {
		statsTicker := time.NewTicker(m.opts.StatsInterval)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	m.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.logger.Info().Msg("Transfer manager stopped")
			return
		case <-ticker.C:
			m.Scan(ctx)
		case <-m.wake:
			m.Scan(ctx)
		case <-statsC:
			m.logStats()
		}
	}
}

// Scan starts a delivery for every sentinel not already being delivered and
// returns how many were new.
func (m *Manager) Scan(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	ids, err := m.layout.ScanReady()
	if err != nil {
		m.logger.Error().Err(err).Str("path", m.layout.Dir).Msg("Failed to scan staging directory")
		return 0
	}

	started := 0
	for _, id := range ids {
		m.mu.Lock()
		if _, busy := m.tracked[id]; busy {
			m.mu.Unlock()
			continue
		}
		now := time.Now().UTC()
		rec := &models.TransferRecord{
			ArtifactID:   id,
			State:        models.StateDiscovered,
			Attempts:     map[string]int{},
			DiscoveredAt: now,
			UpdatedAt:    now,
			History:      []models.TransferState{models.StateDiscovered},
		}
		m.tracked[id] = rec
		m.stats.Discovered++
		m.stats.InFlight = len(m.tracked)
		m.mu.Unlock()

		started++
		m.wg.Add(1)
		go m.deliver(ctx, id)
	}
	return started
}

func (m *Manager) deliver(ctx context.Context, id string) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("artifact_id", id).Msg("Artifact delivery panicked")
			m.untrack(id)
		}
	}()

	logger := logging.WithArtifact(m.logger, id)

	artifact, err := m.layout.ReadManifest(id)
	if err != nil {
		// Sentinel vanished between scan and read; nothing to deliver.
		logger.Warn().Err(err).Msg("Sentinel disappeared before delivery")
		m.untrack(id)
		return
	}
	logger.Info().Time("created_at", artifact.CreatedAt).Msg("Artifact discovered")
	m.publish(id)

	files := m.remoteFiles(artifact)
	note := m.notification(artifact, files)

	var (
		lostMu sync.Mutex
		lost   []string
	)
	if !m.step(ctx, id, models.StateUploading, func(ctx context.Context) error {
		missing, err := m.upload(ctx, files)
		if err == nil {
			lostMu.Lock()
			lost = missing
			lostMu.Unlock()
		}
		return err
	}) {
		return
	}
	lostMu.Lock()
	missing := lost
	lostMu.Unlock()
	if len(missing) > 0 {
		m.drop(artifact, missing)
		return
	}
	m.update(id, func(r *models.TransferRecord) {
		r.UploadConfirmed = true
		r.Destination = note.RemotePath
		r.RemoteFiles = note.Files
	})

	if !m.step(ctx, id, models.StateNotifying, func(ctx context.Context) error {
		return m.notifier.NotifyArtifact(ctx, note)
	}) {
		return
	}

	if !m.step(ctx, id, models.StateCleaningUp, func(context.Context) error {
		return m.layout.RemoveArtifact(artifact)
	}) {
		return
	}

	m.finish(id)
	logger.Info().Msg("Artifact delivered")
}

// step runs fn until it succeeds, staying in state between attempts. It
// returns false only when ctx is cancelled.
func (m *Manager) step(ctx context.Context, id string, state models.TransferState, fn func(context.Context) error) bool {
	logger := logging.WithArtifact(m.logger, id).With().Str("state", state.String()).Logger()
	m.update(id, func(r *models.TransferRecord) {
		r.State = state
		r.History = append(r.History, state)
	})
	m.publish(id)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		m.update(id, func(r *models.TransferRecord) {
			r.Attempts[state.String()]++
			r.TotalAttempts++
			r.NextRetry = time.Time{}
		})
		m.count(state, false)

		err := m.attempt(ctx, state, fn)
		if err == nil {
			m.update(id, func(r *models.TransferRecord) { r.LastError = "" })
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Transfer step recovered")
			}
			if m.opts.StallAlertAfter > 0 && attempt > m.opts.StallAlertAfter && m.reporter != nil {
				m.reporter.Alert("transfer_ok", "transfer recovered", map[string]interface{}{
					"artifact_id": id,
					"state":       state.String(),
					"attempts":    attempt,
				})
			}
			return true
		}
		if ctx.Err() != nil {
			logger.Info().Msg("Transfer attempt abandoned at shutdown")
			return false
		}

		failure := &models.TransferFailure{ArtifactID: id, State: state, Attempt: attempt, Err: err}
		delay := m.opts.Backoff.Next(attempt)
		m.count(state, true)
		m.update(id, func(r *models.TransferRecord) {
			r.LastError = failure.Error()
			r.NextRetry = time.Now().Add(delay)
		})
		m.mu.Lock()
		m.stats.LastError = failure.Error()
		m.mu.Unlock()

		logger.Warn().Err(failure).Int("attempt", attempt).Dur("backoff", delay).Msg("Transfer step failed, retrying")
		if attempt == m.opts.StallAlertAfter && m.reporter != nil {
			m.reporter.Alert("transfer_stalled", failure.Error(), map[string]interface{}{
				"artifact_id": id,
				"state":       state.String(),
				"attempts":    attempt,
			})
		}
		m.publish(id)

		if !m.sleep(ctx, delay) {
			return false
		}
	}
}

// attempt bounds one try of a network step by NetworkTimeout. A call stuck
// in the kernel (a hung NFS mount) is left behind once the deadline passes.
func (m *Manager) attempt(ctx context.Context, state models.TransferState, fn func(context.Context) error) error {
	if state == models.StateCleaningUp {
		return fn(context.WithoutCancel(ctx))
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.slots }()

	actx, cancel := context.WithTimeout(ctx, m.opts.NetworkTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(actx) }()
	select {
	case err := <-done:
		return err
	case <-actx.Done():
		return fmt.Errorf("attempt timed out after %s: %w", m.opts.NetworkTimeout, actx.Err())
	}
}

type remoteFile struct {
	local    string
	rel      string
	fileType string
	optional bool
}

func (m *Manager) remoteFiles(a models.StagedArtifact) []remoteFile {
	files := []remoteFile{
		{local: m.layout.Path(a.Files.Picture), rel: filepath.Join(PicturesDir, a.Files.Picture), fileType: "picture"},
	}
	if a.Files.PictureB != "" {
		files = append(files, remoteFile{
			local:    m.layout.Path(a.Files.PictureB),
			rel:      filepath.Join(PicturesDir, a.Files.PictureB),
			fileType: "picture_b",
		})
	}
	files = append(files, remoteFile{local: m.layout.Path(a.Files.Video), rel: filepath.Join(VideosDir, a.Files.Video), fileType: "video"})
	if a.Files.Thumbnail != "" {
		files = append(files, remoteFile{
			local:    m.layout.Path(a.Files.Thumbnail),
			rel:      filepath.Join(ThumbsDir, a.Files.Thumbnail),
			fileType: "thumbnail",
			optional: true,
		})
	}
	return files
}

// upload copies every file that is not already present remotely. A file whose
// remote copy has the local size and modification time is skipped, so a
// retry after a crash between upload and notification does not copy it
// again. A local file that is gone counts as uploaded when the remote copy
// exists: cleanup only starts after a confirmed upload. Required files that
// are gone on both sides are returned as missing.
func (m *Manager) upload(ctx context.Context, files []remoteFile) ([]string, error) {
	if err := m.store.Check(ctx); err != nil {
		return nil, err
	}
	var missing []string
	for _, f := range files {
		info, err := os.Stat(f.local)
		if errors.Is(err, os.ErrNotExist) {
			present, err := m.store.Exists(ctx, f.rel, -1, time.Time{})
			if err != nil {
				return nil, fmt.Errorf("check remote %s: %w", f.rel, err)
			}
			switch {
			case present:
				m.mu.Lock()
				m.stats.UploadSkipped++
				m.mu.Unlock()
			case !f.optional:
				missing = append(missing, f.local)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", f.local, err)
		}
		present, err := m.store.Exists(ctx, f.rel, info.Size(), info.ModTime())
		if err != nil {
			return nil, fmt.Errorf("check remote %s: %w", f.rel, err)
		}
		if present {
			m.mu.Lock()
			m.stats.UploadSkipped++
			m.mu.Unlock()
			continue
		}
		if err := m.store.Put(ctx, f.local, f.rel); err != nil {
			return nil, fmt.Errorf("upload %s: %w", f.rel, err)
		}
	}
	return missing, nil
}

// drop gives up on an artifact whose files are gone both locally and
// remotely. Its sentinel is removed so it is not rediscovered forever.
func (m *Manager) drop(a models.StagedArtifact, missing []string) {
	logger := logging.WithArtifact(m.logger, a.ID)
	logger.Error().Strs("files", missing).Msg("Artifact files lost before upload, dropping sentinel")
	if err := m.layout.RemoveArtifact(a); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove lost artifact")
	}
	if m.reporter != nil {
		m.reporter.Alert("artifact_lost", "staged files missing before upload", map[string]interface{}{
			"artifact_id": a.ID,
			"files":       missing,
		})
	}
	m.mu.Lock()
	m.stats.Lost++
	m.mu.Unlock()
	m.untrack(a.ID)
}

// notification is built only from the manifest, so every retry for an
// artifact sends identical content.
func (m *Manager) notification(a models.StagedArtifact, files []remoteFile) models.Notification {
	n := models.Notification{
		CameraID:    m.opts.CameraID,
		ArtifactID:  a.ID,
		Timestamp:   a.TriggerTime,
		WindowStart: a.WindowStart,
		WindowEnd:   a.WindowEnd,
		Partial:     a.Partial,
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = a.CreatedAt
	}
	for _, f := range files {
		rf := models.RemoteFile{FileType: f.fileType, FilePath: m.store.Path(f.rel), Transferred: true}
		if f.fileType == "video" {
			rf.VideoDuration = a.VideoDuration
			n.RemotePath = rf.FilePath
		}
		n.Files = append(n.Files, rf)
	}
	return n
}

func (m *Manager) finish(id string) {
	m.mu.Lock()
	rec, ok := m.tracked[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.State = models.StateDone
	rec.History = append(rec.History, models.StateDone)
	rec.UpdatedAt = time.Now().UTC()
	done := copyRecord(rec)
	delete(m.tracked, id)
	m.recent = append(m.recent, done)
	if len(m.recent) > m.opts.KeepRecent {
		m.recent = m.recent[len(m.recent)-m.opts.KeepRecent:]
	}
	m.stats.Delivered++
	m.stats.InFlight = len(m.tracked)
	m.stats.LastDeliveredAt = rec.UpdatedAt
	m.mu.Unlock()

	if m.ledger != nil {
		if err := m.ledger.RecordDelivery(done); err != nil {
			m.logger.Warn().Err(err).Str("artifact_id", id).Msg("Failed to record delivery")
		}
	}
	if m.reporter != nil {
		m.reporter.Transfer(done)
	}
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.tracked, id)
	m.stats.InFlight = len(m.tracked)
	m.mu.Unlock()
}

func (m *Manager) update(id string, fn func(r *models.TransferRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.tracked[id]; ok {
		fn(rec)
		rec.UpdatedAt = time.Now().UTC()
	}
}

func (m *Manager) count(state models.TransferState, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch state {
	case models.StateUploading:
		if failed {
			m.stats.UploadFailures++
		} else {
			m.stats.UploadAttempts++
		}
	case models.StateNotifying:
		if failed {
			m.stats.NotifyFailures++
		} else {
			m.stats.NotifyAttempts++
		}
	case models.StateCleaningUp:
		if failed {
			m.stats.CleanupFailures++
		}
	}
}

func (m *Manager) publish(id string) {
	if m.reporter == nil {
		return
	}
	if rec, ok := m.Record(id); ok {
		m.reporter.Transfer(rec)
	}
}

// Record returns a copy of the artifact's transfer record, whether it is in
// flight or recently delivered.
func (m *Manager) Record(id string) (models.TransferRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.tracked[id]; ok {
		return copyRecord(rec), true
	}
	for i := len(m.recent) - 1; i >= 0; i-- {
		if m.recent[i].ArtifactID == id {
			return m.recent[i], true
		}
	}
	return models.TransferRecord{}, false
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{Stats: m.stats, Polling: m.opts.PollInterval}
	for _, rec := range m.tracked {
		if rec.LastError != "" {
			s.Stats.Failing++
		}
		s.Active = append(s.Active, copyRecord(rec))
	}
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i].ArtifactID < s.Active[j].ArtifactID })
	s.Recent = append([]models.TransferRecord(nil), m.recent...)
	return s
}

func (m *Manager) logStats() {
	s := m.Status()
	m.logger.Info().
		Int("discovered", s.Stats.Discovered).
		Int("delivered", s.Stats.Delivered).
		Int("in_flight", s.Stats.InFlight).
		Int("failing", s.Stats.Failing).
		Int("upload_failures", s.Stats.UploadFailures).
		Int("notify_failures", s.Stats.NotifyFailures).
		Msg("Transfer statistics")
}

func copyRecord(r *models.TransferRecord) models.TransferRecord {
	c := *r
	c.Attempts = make(map[string]int, len(r.Attempts))
	for k, v := range r.Attempts {
		c.Attempts[k] = v
	}
	c.History = append([]models.TransferState(nil), r.History...)
	c.RemoteFiles = append([]models.RemoteFile(nil), r.RemoteFiles...)
	return c
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
