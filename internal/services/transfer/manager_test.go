package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/models"
	"kepler-edge-go/internal/staging"
)

var errNetwork = errors.New("network unreachable")

// flakyStore wraps FSStore, failing the first checkFailures mount checks and
// counting Put calls per remote path.
type flakyStore struct {
	*FSStore
	mu            sync.Mutex
	checkFailures int
	checks        int
	puts          map[string]int
	hang          chan struct{} // first Put blocks on it when set
}

func newFlakyStore(t *testing.T, checkFailures int) *flakyStore {
	return &flakyStore{FSStore: NewFSStore(t.TempDir(), "camera_1"), checkFailures: checkFailures, puts: map[string]int{}}
}

func (s *flakyStore) Check(ctx context.Context) error {
	s.mu.Lock()
	s.checks++
	fail := s.checks <= s.checkFailures
	s.mu.Unlock()
	if fail {
		return errNetwork
	}
	return s.FSStore.Check(ctx)
}

func (s *flakyStore) Put(ctx context.Context, local, rel string) error {
	s.mu.Lock()
	s.puts[rel]++
	hang := s.hang
	s.hang = nil
	s.mu.Unlock()
	if hang != nil {
		<-hang
		return errNetwork
	}
	return s.FSStore.Put(ctx, local, rel)
}

func (s *flakyStore) putCount(rel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[rel]
}

type fakeNotifier struct {
	mu       sync.Mutex
	failFor  map[string]bool
	failAll  bool
	calls    []models.Notification
	onNotify func(n models.Notification)
}

func (n *fakeNotifier) NotifyArtifact(ctx context.Context, note models.Notification) error {
	n.mu.Lock()
	n.calls = append(n.calls, note)
	fail := n.failAll || n.failFor[note.ArtifactID]
	hook := n.onNotify
	n.mu.Unlock()
	if hook != nil {
		hook(note)
	}
	if fail {
		return errNetwork
	}
	return nil
}

func (n *fakeNotifier) notifications() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.calls...)
}

type memLedger struct {
	mu   sync.Mutex
	recs []models.TransferRecord
}

func (l *memLedger) RecordDelivery(rec models.TransferRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

func stageArtifact(t *testing.T, layout staging.Layout, id string) models.StagedArtifact {
	t.Helper()
	a := models.StagedArtifact{
		ID:            id,
		CameraID:      "camera_1",
		TriggerTime:   time.Date(2024, 5, 1, 8, 0, 10, 0, time.UTC),
		WindowStart:   time.Date(2024, 5, 1, 8, 0, 5, 0, time.UTC),
		WindowEnd:     time.Date(2024, 5, 1, 8, 0, 17, 0, time.UTC),
		VideoDuration: 12,
		Files:         staging.DefaultFiles(id),
	}
	if err := os.WriteFile(layout.Picture(id), []byte("jpeg:"+id), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layout.Video(id), bytes.Repeat([]byte("mp4:"+id), 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := layout.Finalize(a); err != nil {
		t.Fatal(err)
	}
	return a
}

func newTestManager(layout staging.Layout, store RemoteStore, notifier Notifier, ledger DeliveryRecorder) *Manager {
	m := NewManager(Options{
		CameraID:       "camera_1",
		PollInterval:   5 * time.Millisecond,
		NetworkTimeout: time.Second,
		Backoff:        Backoff{Min: time.Millisecond, Max: 4 * time.Millisecond},
	}, layout, store, notifier, ledger, nil, zerolog.Nop())
	m.sleep = func(ctx context.Context, d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Millisecond):
			return true
		}
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func stagingEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// TestUploadRetriesThenDelivers fails the first three uploads. The artifact
// stays in Uploading for four attempts, then notifies, cleans up and is done;
// local files exist until the notification has succeeded.
func TestUploadRetriesThenDelivers(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	a := stageArtifact(t, layout, "evt_1")
	store := newFlakyStore(t, 3)
	ledger := &memLedger{}
	notifier := &fakeNotifier{onNotify: func(models.Notification) {
		if !layout.IsReady(a.ID) {
			t.Error("sentinel removed before notification")
		}
		if _, err := os.Stat(layout.Video(a.ID)); err != nil {
			t.Error("video removed before notification")
		}
	}}
	m := newTestManager(layout, store, notifier, ledger)

	if n := m.Scan(context.Background()); n != 1 {
		t.Fatalf("Scan() started %d deliveries, want 1", n)
	}
	m.wg.Wait()

	rec, ok := m.Record(a.ID)
	if !ok {
		t.Fatal("no record for delivered artifact")
	}
	wantHistory := []models.TransferState{
		models.StateDiscovered, models.StateUploading, models.StateNotifying, models.StateCleaningUp, models.StateDone,
	}
	if !reflect.DeepEqual(rec.History, wantHistory) {
		t.Errorf("history = %v, want %v", rec.History, wantHistory)
	}
	if rec.Attempts["uploading"] != 4 || rec.Attempts["notifying"] != 1 {
		t.Errorf("attempts = %v, want 4 uploads and 1 notify", rec.Attempts)
	}
	if !rec.UploadConfirmed || rec.LastError != "" {
		t.Errorf("record = %+v", rec)
	}

	if names := stagingEntries(t, layout.Dir); len(names) != 0 {
		t.Errorf("staging still holds %v", names)
	}
	for _, rel := range []string{"pictures/evt_1.jpg", "videos/evt_1.mp4"} {
		if _, err := os.Stat(store.Path(rel)); err != nil {
			t.Errorf("remote %s missing: %v", rel, err)
		}
		if got := store.putCount(rel); got != 1 {
			t.Errorf("%s uploaded %d times, want 1", rel, got)
		}
	}

	s := m.Status().Stats
	if s.Delivered != 1 || s.UploadAttempts != 4 || s.UploadFailures != 3 || s.InFlight != 0 {
		t.Errorf("stats = %+v", s)
	}
	if len(ledger.recs) != 1 || ledger.recs[0].State != models.StateDone {
		t.Errorf("ledger = %+v", ledger.recs)
	}

	notes := notifier.notifications()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].RemotePath != store.Path("videos/evt_1.mp4") || !notes[0].Timestamp.Equal(a.TriggerTime) {
		t.Errorf("notification = %+v", notes[0])
	}
}

// TestNotifyFailureKeepsLocalFiles keeps the central service down. Local files
// must stay, the upload must not be repeated, and a restarted manager must
// confirm the remote copies instead of uploading again.
func TestNotifyFailureKeepsLocalFiles(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	a := stageArtifact(t, layout, "evt_1")
	store := newFlakyStore(t, 0)
	notifier := &fakeNotifier{failAll: true}

	ctx, cancel := context.WithCancel(context.Background())
	m := newTestManager(layout, store, notifier, nil)
	m.Scan(ctx)
	waitFor(t, func() bool { return m.Status().Stats.NotifyFailures >= 5 })
	m.Scan(ctx) // already tracked, must not start a second delivery
	cancel()
	m.wg.Wait()

	if !layout.IsReady(a.ID) {
		t.Fatal("sentinel removed while notification is failing")
	}
	for _, p := range []string{layout.Picture(a.ID), layout.Video(a.ID)} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", p, err)
		}
	}
	rec, _ := m.Record(a.ID)
	if rec.State != models.StateNotifying || rec.Attempts["uploading"] != 1 || rec.LastError == "" {
		t.Errorf("record = %+v", rec)
	}
	if m.Status().Stats.Failing != 1 {
		t.Errorf("failing artifacts = %d, want 1", m.Status().Stats.Failing)
	}

	// Restart.
	ctx2, cancel2 := context.WithCancel(context.Background())
	m2 := newTestManager(layout, store, notifier, nil)
	if n := m2.Scan(ctx2); n != 1 {
		t.Fatalf("restart rediscovered %d artifacts, want 1", n)
	}
	waitFor(t, func() bool { return m2.Status().Stats.NotifyFailures >= 3 })
	cancel2()
	m2.wg.Wait()

	for _, rel := range []string{"pictures/evt_1.jpg", "videos/evt_1.mp4"} {
		if got := store.putCount(rel); got != 1 {
			t.Errorf("%s uploaded %d times across restarts, want 1", rel, got)
		}
	}
	if got := m2.Status().Stats.UploadSkipped; got != 2 {
		t.Errorf("UploadSkipped = %d, want 2", got)
	}
	if !layout.IsReady(a.ID) {
		t.Fatal("sentinel removed after restart while notification is failing")
	}
}

// TestRedeliveryIsIdempotent runs the whole cycle twice for the same
// sentinel and compares the remote end state and the notifications.
func TestRedeliveryIsIdempotent(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	stageArtifact(t, layout, "evt_1")
	snapshot := map[string][]byte{}
	for _, name := range stagingEntries(t, layout.Dir) {
		data, _ := os.ReadFile(layout.Path(name))
		snapshot[name] = data
	}

	store := newFlakyStore(t, 0)
	notifier := &fakeNotifier{}

	remoteState := func() map[string]string {
		state := map[string]string{}
		filepath.Walk(store.Root, func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() {
				data, _ := os.ReadFile(path)
				state[path] = string(data)
			}
			return nil
		})
		return state
	}

	first := newTestManager(layout, store, notifier, nil)
	first.Scan(context.Background())
	first.wg.Wait()
	if names := stagingEntries(t, layout.Dir); len(names) != 0 {
		t.Fatalf("staging still holds %v", names)
	}
	afterFirst := remoteState()

	for name, data := range snapshot {
		if err := os.WriteFile(layout.Path(name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	second := newTestManager(layout, store, notifier, nil)
	second.Scan(context.Background())
	second.wg.Wait()
	afterSecond := remoteState()

	if !reflect.DeepEqual(afterFirst, afterSecond) {
		t.Errorf("remote state changed on redelivery:\n%v\n%v", afterFirst, afterSecond)
	}
	if len(afterFirst) != 2 {
		t.Errorf("remote holds %d files, want 2", len(afterFirst))
	}
	notes := notifier.notifications()
	if len(notes) != 2 || !reflect.DeepEqual(notes[0], notes[1]) {
		t.Errorf("notifications differ: %+v", notes)
	}
}

// TestStuckArtifactDoesNotBlockOthers delivers one artifact while another
// keeps failing its notification.
func TestStuckArtifactDoesNotBlockOthers(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	stageArtifact(t, layout, "evt_1")
	stageArtifact(t, layout, "evt_2")
	notifier := &fakeNotifier{failFor: map[string]bool{"evt_1": true}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newTestManager(layout, newFlakyStore(t, 0), notifier, nil)
	m.Scan(ctx)

	waitFor(t, func() bool { return m.Status().Stats.Delivered == 1 })
	if layout.IsReady("evt_2") {
		t.Error("evt_2 still staged")
	}
	if !layout.IsReady("evt_1") {
		t.Error("evt_1 cleaned up without notification")
	}
	cancel()
	m.wg.Wait()
}

func TestAttemptTimeout(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	stageArtifact(t, layout, "evt_1")
	store := newFlakyStore(t, 0)
	hang := make(chan struct{})
	defer close(hang)
	store.hang = hang

	m := newTestManager(layout, store, &fakeNotifier{}, nil)
	m.opts.NetworkTimeout = 20 * time.Millisecond
	m.Scan(context.Background())
	m.wg.Wait()

	rec, _ := m.Record("evt_1")
	if rec.State != models.StateDone || rec.Attempts["uploading"] != 2 {
		t.Fatalf("record = %+v, want done after a timed out upload", rec)
	}
}

func TestUnfinalizedArtifactIsIgnored(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	os.WriteFile(layout.Picture("evt_1"), []byte("jpeg"), 0o644)
	os.WriteFile(layout.Video("evt_1")+staging.TempSuffix, []byte("partial"), 0o644)

	store := newFlakyStore(t, 0)
	m := newTestManager(layout, store, &fakeNotifier{}, nil)
	if n := m.Scan(context.Background()); n != 0 {
		t.Fatalf("Scan() picked up %d unfinalized artifacts", n)
	}
	if store.putCount("pictures/evt_1.jpg") != 0 {
		t.Fatal("unfinalized picture uploaded")
	}
}

func TestRunDeliversAndStops(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	m := newTestManager(layout, newFlakyStore(t, 0), &fakeNotifier{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	stageArtifact(t, layout, "evt_1")
	m.Wake()
	waitFor(t, func() bool { return m.Status().Stats.Delivered == 1 })

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestCrashDuringCleanupStillDelivers restarts after a crash that removed the
// local files of an uploaded artifact but not its sentinel. The remote copies
// confirm the upload, so delivery completes and the sentinel goes.
func TestCrashDuringCleanupStillDelivers(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	a := stageArtifact(t, layout, "evt_1")
	store := newFlakyStore(t, 0)
	ctx := context.Background()
	if err := store.FSStore.Check(ctx); err != nil {
		t.Fatal(err)
	}
	for _, f := range []struct{ local, rel string }{
		{layout.Picture(a.ID), "pictures/evt_1.jpg"},
		{layout.Video(a.ID), "videos/evt_1.mp4"},
	} {
		if err := store.FSStore.Put(ctx, f.local, f.rel); err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(f.local); err != nil {
			t.Fatal(err)
		}
	}

	notifier := &fakeNotifier{}
	m := newTestManager(layout, store, notifier, nil)
	if n := m.Scan(ctx); n != 1 {
		t.Fatalf("Scan() started %d deliveries, want 1", n)
	}
	m.wg.Wait()

	rec, ok := m.Record(a.ID)
	if !ok || rec.State != models.StateDone {
		t.Fatalf("record = %+v, want done", rec)
	}
	if names := stagingEntries(t, layout.Dir); len(names) != 0 {
		t.Errorf("staging still holds %v", names)
	}
	if len(notifier.notifications()) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.notifications()))
	}
	s := m.Status().Stats
	if s.UploadSkipped != 2 || s.Delivered != 1 || s.Lost != 0 {
		t.Errorf("stats = %+v", s)
	}
	if store.putCount("pictures/evt_1.jpg") != 0 || store.putCount("videos/evt_1.mp4") != 0 {
		t.Error("files uploaded again")
	}
}

// TestLostArtifactIsDropped removes the local files of an artifact that never
// reached the share. Nothing can be delivered, so the sentinel is removed
// with an alert instead of retrying forever.
func TestLostArtifactIsDropped(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	a := stageArtifact(t, layout, "evt_1")
	os.Remove(layout.Picture(a.ID))
	os.Remove(layout.Video(a.ID))

	notifier := &fakeNotifier{}
	rep := &alertRecorder{}
	m := newTestManager(layout, newFlakyStore(t, 0), notifier, nil)
	m.reporter = rep
	m.Scan(context.Background())
	m.wg.Wait()

	if layout.IsReady(a.ID) {
		t.Error("sentinel of a lost artifact kept")
	}
	if len(notifier.notifications()) != 0 {
		t.Error("lost artifact notified")
	}
	if _, ok := m.Record(a.ID); ok {
		t.Error("lost artifact still tracked")
	}
	s := m.Status().Stats
	if s.Lost != 1 || s.Delivered != 0 || s.InFlight != 0 {
		t.Errorf("stats = %+v", s)
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.alerts) != 1 || rep.alerts[0] != "artifact_lost" {
		t.Errorf("alerts = %v", rep.alerts)
	}
}

func TestSecondPictureIsUploaded(t *testing.T) {
	layout := staging.Layout{Dir: t.TempDir()}
	a := models.StagedArtifact{
		ID:          "evt_1",
		CameraID:    "camera_1",
		TriggerTime: time.Date(2024, 5, 1, 8, 0, 10, 0, time.UTC),
		Files:       staging.DefaultFiles("evt_1"),
	}
	a.Files.PictureB = "evt_1" + staging.SecondSuffix
	for path, data := range map[string]string{
		layout.Picture(a.ID): "jpeg",
		layout.Second(a.ID):  "jpeg b",
		layout.Video(a.ID):   "mp4",
	} {
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := layout.Finalize(a); err != nil {
		t.Fatal(err)
	}

	store := newFlakyStore(t, 0)
	notifier := &fakeNotifier{}
	m := newTestManager(layout, store, notifier, nil)
	m.Scan(context.Background())
	m.wg.Wait()

	data, err := os.ReadFile(store.Path("pictures/evt_1_b.jpg"))
	if err != nil || string(data) != "jpeg b" {
		t.Fatalf("remote second picture = %q, %v", data, err)
	}
	notes := notifier.notifications()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	var types []string
	for _, f := range notes[0].Files {
		types = append(types, f.FileType)
	}
	if want := []string{"picture", "picture_b", "video"}; !reflect.DeepEqual(types, want) {
		t.Errorf("file types = %v, want %v", types, want)
	}
	if names := stagingEntries(t, layout.Dir); len(names) != 0 {
		t.Errorf("staging still holds %v", names)
	}
}
