package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RemoteStore is the storage target artifacts are delivered to. Put must be
// safe to repeat: a second Put of the same file leaves the same end state.
type RemoteStore interface {
	// Check verifies the target is mounted and writable.
	Check(ctx context.Context) error
	// Put copies the local file to rel.
	Put(ctx context.Context, local, rel string) error
	// Exists reports whether rel is present with the given size and
	// modification time. A negative size or a zero modTime matches any.
	Exists(ctx context.Context, rel string, size int64, modTime time.Time) (bool, error)
	// Path is the absolute location of rel, as reported to the central service.
	Path(rel string) string
}

const (
	PicturesDir = "pictures"
	ThumbsDir   = "thumbs"
	VideosDir   = "videos"

	healthProbe = ".transfer_health_check"
)

// FSStore writes to a mounted share (NFS, SMB) laid out as
// <root>/<camera_id>/{pictures,thumbs,videos}.
type FSStore struct {
	Root     string
	CameraID string
}

func NewFSStore(root, cameraID string) *FSStore {
	return &FSStore{Root: root, CameraID: cameraID}
}

func (s *FSStore) Path(rel string) string {
	return filepath.Join(s.Root, s.CameraID, rel)
}

func (s *FSStore) Check(ctx context.Context) error {
	info, err := os.Stat(s.Root)
	if err != nil {
		return fmt.Errorf("remote root not mounted: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remote root %s is not a directory", s.Root)
	}
	for _, dir := range []string{PicturesDir, ThumbsDir, VideosDir} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.MkdirAll(s.Path(dir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	probe := s.Path(healthProbe)
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("remote not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("remote probe cleanup: %w", err)
	}
	return nil
}

// Put copies local to a temporary name next to the destination and renames
// it, so readers of the share never see a half-written file and a retried
// Put simply replaces the previous copy. Every call writes its own temporary
// file: an abandoned attempt still blocked on the share cannot write into the
// copy of the attempt that replaced it. The remote copy keeps the local
// modification time for Exists.
func (s *FSStore) Put(ctx context.Context, local, rel string) error {
	dst := s.Path(rel)
	tmp := fmt.Sprintf("%s.%s.tmp", dst, uuid.NewString())

	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create remote temp file: %w", err)
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: src}); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy to remote: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync remote file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close remote file: %w", err)
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("set remote file time: %w", err)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename remote file: %w", err)
	}
	return nil
}

// Exists matches modification times to the second, the coarsest resolution
// common network shares keep.
func (s *FSStore) Exists(ctx context.Context, rel string, size int64, modTime time.Time) (bool, error) {
	info, err := os.Stat(s.Path(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if size >= 0 && info.Size() != size {
		return false, nil
	}
	if !modTime.IsZero() && !info.ModTime().Truncate(time.Second).Equal(modTime.Truncate(time.Second)) {
		return false, nil
	}
	return true, nil
}

// ctxReader aborts a copy once the attempt's context expires.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
