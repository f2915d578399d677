package helpers

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"kepler-edge-go/internal/models"
)

// isJPEGData checks if the byte slice contains JPEG data by checking magic bytes
func isJPEGData(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	// JPEG magic bytes: FF D8
	return data[0] == 0xFF && data[1] == 0xD8
}

// EncodeJPEG encodes a BGR Mat as JPEG with the given quality.
func EncodeJPEG(mat gocv.Mat, quality int) ([]byte, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory that Close releases.
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func decodeJPEG(data []byte) (gocv.Mat, error) {
	if !isJPEGData(data) {
		return gocv.NewMat(), fmt.Errorf("payload is not JPEG")
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return mat, fmt.Errorf("failed to decode JPEG: %w", err)
	}
	if mat.Empty() {
		return mat, fmt.Errorf("decoded empty image")
	}
	return mat, nil
}

// Thumbnailer renders small previews of JPEG stills.
type Thumbnailer struct {
	Width   int
	Height  int
	Quality int
}

// Thumbnail scales a JPEG still down to the thumbnail size.
func (t Thumbnailer) Thumbnail(still []byte) ([]byte, error) {
	src, err := decodeJPEG(still)
	defer src.Close()
	if err != nil {
		return nil, err
	}

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(t.Width, t.Height), 0, 0, gocv.InterpolationArea)

	return EncodeJPEG(dst, t.Quality)
}

// GreenDiffClassifier compares the green channel of consecutive frames. A
// pixel counts as changed when its absolute difference exceeds Threshold;
// the frame counts as motion when more than Sensitivity pixels changed.
type GreenDiffClassifier struct {
	Threshold   int
	Sensitivity int
}

func (c GreenDiffClassifier) Classify(prev, cur *models.Frame) (bool, float64, error) {
	a, err := greenChannel(prev.Payload)
	if err != nil {
		return false, 0, fmt.Errorf("frame %d: %w", prev.Seq, err)
	}
	defer a.Close()
	b, err := greenChannel(cur.Payload)
	if err != nil {
		return false, 0, fmt.Errorf("frame %d: %w", cur.Seq, err)
	}
	defer b.Close()

	if a.Rows() != b.Rows() || a.Cols() != b.Cols() {
		return false, 0, fmt.Errorf("frame size changed from %dx%d to %dx%d", a.Cols(), a.Rows(), b.Cols(), b.Rows())
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(a, b, &diff)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(diff, &mask, float32(c.Threshold), 255, gocv.ThresholdBinary)

	changed := gocv.CountNonZero(mask)
	return changed > c.Sensitivity, float64(changed), nil
}

func greenChannel(payload []byte) (gocv.Mat, error) {
	mat, err := decodeJPEG(payload)
	defer mat.Close()
	if err != nil {
		return gocv.NewMat(), err
	}
	channels := gocv.Split(mat)
	for i, ch := range channels {
		if i != 1 {
			ch.Close()
		}
	}
	if len(channels) < 2 {
		return gocv.NewMat(), fmt.Errorf("expected BGR image, got %d channels", len(channels))
	}
	return channels[1], nil
}
