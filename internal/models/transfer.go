package models

import "time"

// TransferState is the per-artifact delivery state.
type TransferState string

const (
	StateDiscovered TransferState = "discovered"
	StateUploading  TransferState = "uploading"
	StateNotifying  TransferState = "notifying"
	StateCleaningUp TransferState = "cleaning_up"
	StateDone       TransferState = "done"
)

func (s TransferState) String() string {
	return string(s)
}

// RemoteFile is one uploaded file as recorded by the central service.
type RemoteFile struct {
	FileType      string  `json:"file_type"`
	FilePath      string  `json:"file_path"`
	Transferred   bool    `json:"transferred"`
	VideoDuration float64 `json:"video_duration,omitempty"`
}

// TransferRecord is the in-memory view of one artifact's delivery. It is
// rebuilt from the staging directory after a restart.
type TransferRecord struct {
	ArtifactID      string          `json:"artifact_id"`
	State           TransferState   `json:"state"`
	Destination     string          `json:"destination"`
	RemoteFiles     []RemoteFile    `json:"remote_files,omitempty"`
	Attempts        map[string]int  `json:"attempts"`
	TotalAttempts   int             `json:"total_attempts"`
	LastError       string          `json:"last_error,omitempty"`
	NextRetry       time.Time       `json:"next_retry,omitempty"`
	DiscoveredAt    time.Time       `json:"discovered_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	UploadConfirmed bool            `json:"upload_confirmed"`
	History         []TransferState `json:"history"`
}

// Notification is the payload sent to the central service once per artifact.
type Notification struct {
	CameraID    string       `json:"camera_id"`
	ArtifactID  string       `json:"artifact_id"`
	Timestamp   time.Time    `json:"timestamp"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Partial     bool         `json:"partial"`
	RemotePath  string       `json:"remote_path"`
	Files       []RemoteFile `json:"files"`
}
