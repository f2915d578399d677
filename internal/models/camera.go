package models

import "time"

// CameraStatus represents the camera operational status as reported to the
// central service.
type CameraStatus string

const (
	CameraStatusOnline  CameraStatus = "online"
	CameraStatusOffline CameraStatus = "offline"
	CameraStatusError   CameraStatus = "error"
)

// String returns the string representation of CameraStatus
func (cs CameraStatus) String() string {
	return string(cs)
}

// IsValid checks if the camera status is valid
func (cs CameraStatus) IsValid() bool {
	switch cs {
	case CameraStatusOnline, CameraStatusOffline, CameraStatusError:
		return true
	default:
		return false
	}
}

// Camera is the identity this agent registers with the central service.
type Camera struct {
	ID       string       `json:"camera_id"`
	Name     string       `json:"name"`
	Location string       `json:"location"`
	Status   CameraStatus `json:"status"`
}

// Frame is an immutable encoded video frame. Once pushed into the ring buffer
// it must not be modified by any consumer.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Payload   []byte // JPEG encoded
	KeyFrame  bool
	Width     int
	Height    int
}
