package helpers

import (
	"fmt"
	"image"
	"os"
	"sort"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

// VideoGrabber captures from a local device index ("0") or a stream URL
// through OpenCV and encodes each frame as JPEG.
type VideoGrabber struct {
	Source  string
	Width   int
	Height  int
	Quality int

	cap *gocv.VideoCapture
	img gocv.Mat
}

func NewVideoGrabber(source string, width, height, quality int) *VideoGrabber {
	return &VideoGrabber{Source: source, Width: width, Height: height, Quality: quality}
}

func (g *VideoGrabber) Open() error {
	var (
		cap *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(g.Source); convErr == nil {
		cap, err = gocv.OpenVideoCapture(idx)
	} else {
		if strings.HasPrefix(g.Source, "rtsp://") {
			configureFFmpegOptions()
		}
		cap, err = gocv.OpenVideoCaptureWithAPI(g.Source, gocv.VideoCaptureFFmpeg)
	}
	if err != nil {
		return fmt.Errorf("failed to open capture source %s: %w", g.Source, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("capture source %s is not opened", g.Source)
	}

	if g.Width > 0 && g.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(g.Width))
		cap.Set(gocv.VideoCaptureFrameHeight, float64(g.Height))
	}
	// Minimal buffer keeps latency low
	cap.Set(gocv.VideoCaptureBufferSize, 1)

	g.cap = cap
	g.img = gocv.NewMat()
	return nil
}

func (g *VideoGrabber) Grab() ([]byte, int, int, error) {
	if g.cap == nil {
		return nil, 0, 0, fmt.Errorf("capture source not open")
	}
	if ok := g.cap.Read(&g.img); !ok {
		return nil, 0, 0, fmt.Errorf("failed to read frame")
	}
	if g.img.Empty() {
		return nil, 0, 0, fmt.Errorf("empty frame")
	}

	frame := g.img
	if g.Width > 0 && g.Height > 0 && (g.img.Cols() != g.Width || g.img.Rows() != g.Height) {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(g.img, &resized, image.Pt(g.Width, g.Height), 0, 0, gocv.InterpolationLinear)
		frame = resized
	}

	payload, err := EncodeJPEG(frame, g.Quality)
	if err != nil {
		return nil, 0, 0, err
	}
	return payload, frame.Cols(), frame.Rows(), nil
}

func (g *VideoGrabber) Close() error {
	if g.cap == nil {
		return nil
	}
	g.img.Close()
	err := g.cap.Close()
	g.cap = nil
	return err
}

// configureFFmpegOptions sets the options OpenCV's FFmpeg backend reads for
// network streams.
func configureFFmpegOptions() {
	options := map[string]string{
		"rtsp_transport": "tcp",
		"max_delay":      "500000",
		"stimeout":       "5000000",
		"rw_timeout":     "5000000",
		"fflags":         "nobuffer",
		"flags":          "low_delay",
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+";"+options[k])
	}
	os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", strings.Join(parts, "|"))
}
