package staging

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"kepler-edge-go/internal/models"
)

func writeFiles(t *testing.T, l Layout, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(l.Path(n), []byte("data:"+n), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFinalizeAndScan(t *testing.T) {
	l := Layout{Dir: t.TempDir()}
	for _, id := range []string{"evt_b", "evt_a"} {
		writeFiles(t, l, id+".jpg", id+".mp4")
		a := models.StagedArtifact{ID: id, CameraID: "cam", Files: DefaultFiles(id)}
		if err := l.Finalize(a); err != nil {
			t.Fatalf("Finalize(%s): %v", id, err)
		}
	}

	ids, err := l.ScanReady()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"evt_a", "evt_b"}) {
		t.Fatalf("ScanReady() = %v", ids)
	}

	a, err := l.ReadManifest("evt_a")
	if err != nil {
		t.Fatal(err)
	}
	if a.CameraID != "cam" || !a.Ready || a.Files.Video != "evt_a.mp4" {
		t.Errorf("manifest = %+v", a)
	}
	if _, err := os.Stat(l.Sentinel("evt_a") + TempSuffix); !os.IsNotExist(err) {
		t.Error("temporary sentinel left behind")
	}
}

// TestFinalizeRequiresCompleteFiles makes sure no sentinel appears while a
// referenced file is missing or empty.
func TestFinalizeRequiresCompleteFiles(t *testing.T) {
	l := Layout{Dir: t.TempDir()}
	writeFiles(t, l, "evt.jpg")
	a := models.StagedArtifact{ID: "evt", Files: DefaultFiles("evt")}

	if err := l.Finalize(a); err == nil {
		t.Fatal("Finalize succeeded without a video")
	}
	if err := os.WriteFile(l.Video("evt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Finalize(a); err == nil {
		t.Fatal("Finalize succeeded with an empty video")
	}
	if l.IsReady("evt") {
		t.Fatal("sentinel exists for an incomplete artifact")
	}
	ids, _ := l.ScanReady()
	if len(ids) != 0 {
		t.Fatalf("ScanReady() = %v, want none", ids)
	}
}

func TestReadManifestFallback(t *testing.T) {
	l := Layout{Dir: t.TempDir()}
	writeFiles(t, l, "evt.jpg", "evt.mp4", "evt_thumb.jpg")
	if err := os.WriteFile(l.Sentinel("evt"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := l.ReadManifest("evt")
	if err != nil {
		t.Fatal(err)
	}
	want := models.ArtifactFiles{Picture: "evt.jpg", Video: "evt.mp4", Thumbnail: "evt_thumb.jpg"}
	if a.Files != want {
		t.Errorf("files = %+v, want %+v", a.Files, want)
	}
}

func TestRemoveArtifactIsRepeatable(t *testing.T) {
	l := Layout{Dir: t.TempDir()}
	writeFiles(t, l, "evt.jpg", "evt.mp4")
	a := models.StagedArtifact{ID: "evt", Files: DefaultFiles("evt")}
	if err := l.Finalize(a); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := l.RemoveArtifact(a); err != nil {
			t.Fatalf("RemoveArtifact #%d: %v", i+1, err)
		}
	}
	entries, _ := os.ReadDir(l.Dir)
	if len(entries) != 0 {
		t.Fatalf("staging not empty: %v", entries)
	}
}

// TestSweepOrphans covers a restart right after a crash: the leftovers are
// seconds old and must still be removed.
func TestSweepOrphans(t *testing.T) {
	l := Layout{Dir: t.TempDir()}

	// finalized
	writeFiles(t, l, "done.jpg", "done_b.jpg", "done.mp4", "done.READY")
	// crashed while staging
	writeFiles(t, l, "crashed.jpg", "crashed.mp4.tmp")
	// crashed between sentinel removal and file removal
	writeFiles(t, l, "cleaned.jpg", "cleaned.mp4")
	// interrupted sentinel write
	writeFiles(t, l, "stale.READY.tmp")

	removed, err := l.SweepOrphans()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"crashed.jpg":     true,
		"crashed.mp4.tmp": true,
		"cleaned.jpg":     true,
		"cleaned.mp4":     true,
		"stale.READY.tmp": true,
	}
	if len(removed) != len(want) {
		t.Fatalf("removed %v, want %v", removed, want)
	}
	for _, n := range removed {
		if !want[n] {
			t.Errorf("unexpected removal of %s", n)
		}
	}
	for _, n := range []string{"done.jpg", "done_b.jpg", "done.mp4", "done.READY"} {
		if _, err := os.Stat(l.Path(n)); err != nil {
			t.Errorf("%s should remain: %v", n, err)
		}
	}
}

// TestRemoveArtifactDropsSentinelFirst checks that once cleanup has started
// the artifact is no longer visible to the transfer manager, even with
// files still present.
func TestRemoveArtifactDropsSentinelFirst(t *testing.T) {
	l := Layout{Dir: t.TempDir()}
	writeFiles(t, l, "evt.jpg", "evt.mp4")
	a := models.StagedArtifact{ID: "evt", Files: DefaultFiles("evt")}
	if err := l.Finalize(a); err != nil {
		t.Fatal(err)
	}

	// A video that cannot be removed stands in for a crash midway.
	if err := os.Remove(l.Video("evt")); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(l.Video("evt"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(l.Video("evt"), "x"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.RemoveArtifact(a); err == nil {
		t.Fatal("RemoveArtifact succeeded on a non-empty directory")
	}
	if l.IsReady("evt") {
		t.Fatal("sentinel survived a partial cleanup")
	}
	ids, _ := l.ScanReady()
	if len(ids) != 0 {
		t.Fatalf("ScanReady() = %v, want none", ids)
	}
}

func TestReadManifestFallbackFindsSecondPicture(t *testing.T) {
	l := Layout{Dir: t.TempDir()}
	writeFiles(t, l, "evt.jpg", "evt_b.jpg", "evt.mp4")
	if err := os.WriteFile(l.Sentinel("evt"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := l.ReadManifest("evt")
	if err != nil {
		t.Fatal(err)
	}
	if a.Files.PictureB != "evt_b.jpg" || a.Files.Thumbnail != "" {
		t.Errorf("files = %+v", a.Files)
	}
}

func TestArtifactID(t *testing.T) {
	tests := map[string]string{
		"evt_1.jpg":           "evt_1",
		"evt_1.mp4":           "evt_1",
		"evt_1_thumb.jpg":     "evt_1",
		"evt_1_b.jpg":         "evt_1",
		"evt_1.READY":         "evt_1",
		"evt_1.mp4.tmp":       "evt_1",
		"evt_1_thumb.jpg.tmp": "evt_1",
	}
	for in, want := range tests {
		if got := ArtifactID(in); got != want {
			t.Errorf("ArtifactID(%q) = %q, want %q", in, got, want)
		}
	}
}
