// Package staging owns the on-disk hand-off between the event processor and
// the transfer manager.
//
// An artifact is visible to the transfer manager only once <id>.READY exists.
// Every file the sentinel references is written to a temporary name, fsynced
// and renamed before the sentinel itself is written the same way, so a crash
// at any point leaves either a complete artifact or one without a sentinel.
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kepler-edge-go/internal/models"
)

const (
	SentinelExt  = ".READY"
	TempSuffix   = ".tmp"
	PictureExt   = ".jpg"
	VideoExt     = ".mp4"
	ThumbSuffix  = "_thumb.jpg"
	SecondSuffix = "_b.jpg"
	dirPerm      = 0o755
	filePerm     = 0o644
)

// Layout resolves artifact paths inside one staging directory.
type Layout struct {
	Dir string
}

func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Dir, dirPerm); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	return nil
}

func (l Layout) Path(name string) string { return filepath.Join(l.Dir, name) }

func (l Layout) Picture(id string) string   { return l.Path(id + PictureExt) }
func (l Layout) Video(id string) string     { return l.Path(id + VideoExt) }
func (l Layout) Thumbnail(id string) string { return l.Path(id + ThumbSuffix) }
func (l Layout) Second(id string) string    { return l.Path(id + SecondSuffix) }
func (l Layout) Sentinel(id string) string  { return l.Path(id + SentinelExt) }

// DefaultFiles are the conventional file names for an artifact.
func DefaultFiles(id string) models.ArtifactFiles {
	return models.ArtifactFiles{Picture: id + PictureExt, Video: id + VideoExt}
}

// WriteFileDurable writes data to path through a fsynced temporary file and
// an atomic rename.
func WriteFileDurable(path string, data []byte) error {
	tmp := path + TempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return rename(tmp, path)
}

// Commit fsyncs a fully written temporary file and renames it into place.
func Commit(tmp, path string) error {
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return rename(tmp, path)
}

func rename(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Finalize publishes the artifact by creating its sentinel. Every file the
// artifact lists must already exist and be non-empty.
func (l Layout) Finalize(a models.StagedArtifact) error {
	required := []string{a.Files.Picture, a.Files.Video}
	for _, name := range []string{a.Files.Thumbnail, a.Files.PictureB} {
		if name != "" {
			required = append(required, name)
		}
	}
	for _, name := range required {
		if name == "" {
			return fmt.Errorf("artifact %s: missing file name", a.ID)
		}
		info, err := os.Stat(l.Path(name))
		if err != nil {
			return fmt.Errorf("artifact %s: %w", a.ID, err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("artifact %s: %s is empty", a.ID, name)
		}
	}

	manifest, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileDurable(l.Sentinel(a.ID), manifest)
}

// ScanReady lists the ids of finalized artifacts, oldest first.
func (l Layout) ScanReady() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, SentinelExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, SentinelExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// IsReady reports whether the artifact's sentinel exists.
func (l Layout) IsReady(id string) bool {
	_, err := os.Stat(l.Sentinel(id))
	return err == nil
}

// ReadManifest loads the artifact described by the sentinel. The manifest is
// advisory: when it cannot be parsed the conventional file names are used.
func (l Layout) ReadManifest(id string) (models.StagedArtifact, error) {
	data, err := os.ReadFile(l.Sentinel(id))
	if err != nil {
		return models.StagedArtifact{}, err
	}

	var a models.StagedArtifact
	if err := json.Unmarshal(data, &a); err != nil || a.ID != id || a.Files.Picture == "" || a.Files.Video == "" {
		a = models.StagedArtifact{ID: id, Files: DefaultFiles(id)}
		if info, statErr := os.Stat(l.Sentinel(id)); statErr == nil {
			a.CreatedAt = info.ModTime()
		}
		if _, statErr := os.Stat(l.Thumbnail(id)); statErr == nil {
			a.Files.Thumbnail = id + ThumbSuffix
		}
		if _, statErr := os.Stat(l.Second(id)); statErr == nil {
			a.Files.PictureB = id + SecondSuffix
		}
	}
	a.Ready = true
	return a, nil
}

// RemoveArtifact deletes the sentinel first and then the artifact's files.
// A crash in between leaves files without a sentinel, which are never
// transferred and are removed by the next SweepOrphans. Missing files are not
// an error, so an interrupted cleanup can be rerun.
func (l Layout) RemoveArtifact(a models.StagedArtifact) error {
	if err := os.Remove(l.Sentinel(a.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := syncDir(l.Dir); err != nil {
		return err
	}
	for _, name := range []string{a.Files.Picture, a.Files.PictureB, a.Files.Video, a.Files.Thumbnail} {
		if name == "" {
			continue
		}
		if err := os.Remove(l.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// SweepOrphans removes leftovers of interrupted writes: every temporary file
// and every artifact file without a sentinel. It must run before the event
// processor starts writing, since any file it finds then belongs to an
// artifact that can no longer be finished.
func (l Layout) SweepOrphans() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, err
	}

	ready := map[string]bool{}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), SentinelExt) {
			ready[strings.TrimSuffix(e.Name(), SentinelExt)] = true
		}
	}

	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, SentinelExt) {
			continue
		}
		if !strings.HasSuffix(name, TempSuffix) {
			if ready[ArtifactID(name)] {
				continue
			}
		}
		if err := os.Remove(l.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// ArtifactID recovers the artifact id from a staged file name.
func ArtifactID(name string) string {
	name = strings.TrimSuffix(name, TempSuffix)
	for _, suffix := range []string{ThumbSuffix, SecondSuffix, SentinelExt, PictureExt, VideoExt} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}
