package models

import (
	"fmt"
	"time"
)

// EventIDLayout formats trigger times into event ids. Ids sort in trigger order.
const EventIDLayout = "20060102T150405.000000000Z"

// EventIDFromTime derives the event id from the motion trigger time.
func EventIDFromTime(t time.Time) string {
	return "evt_" + t.UTC().Format(EventIDLayout)
}

// MotionEvent describes a window of interest. It is handed to the event
// processor once and never persisted.
type MotionEvent struct {
	ID          string    `json:"event_id"`
	TriggerTime time.Time `json:"trigger_time"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Confidence  float64   `json:"confidence"`
	Frames      int       `json:"motion_frames"`
}

func (e MotionEvent) String() string {
	return fmt.Sprintf("%s [%s, %s]", e.ID,
		e.WindowStart.Format(time.RFC3339Nano), e.WindowEnd.Format(time.RFC3339Nano))
}

// ArtifactFiles lists the staged file names (base names, relative to the
// staging directory). PictureB, a second still taken a few seconds after the
// trigger, and Thumbnail are optional.
type ArtifactFiles struct {
	Picture   string `json:"picture"`
	PictureB  string `json:"picture_b,omitempty"`
	Video     string `json:"video"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// StagedArtifact is one finalized event on local disk. Its sentinel file is
// the only proof that every listed file is complete.
type StagedArtifact struct {
	ID            string        `json:"artifact_id"`
	CameraID      string        `json:"camera_id"`
	CreatedAt     time.Time     `json:"created_at"`
	TriggerTime   time.Time     `json:"trigger_time"`
	WindowStart   time.Time     `json:"window_start"`
	WindowEnd     time.Time     `json:"window_end"`
	Partial       bool          `json:"partial"`
	FrameCount    int           `json:"frame_count"`
	VideoDuration float64       `json:"video_duration"`
	Files         ArtifactFiles `json:"files"`
	Ready         bool          `json:"-"`
}
