package domain

import "time"

type RecordingStatus string

const (
	RecordingStatusRecording  RecordingStatus = "recording"
	RecordingStatusStopped    RecordingStatus = "stopped"
	RecordingStatusConverting RecordingStatus = "converting"
	RecordingStatusReady      RecordingStatus = "ready"
)

// Recording is the metadata row for one room recording.
type Recording struct {
	ID        string          `json:"id"`
	RoomID    RoomID          `json:"room_id"`
	OwnerID   UserID          `json:"owner_id"`
	Status    RecordingStatus `json:"status"`
	FileURI   string          `json:"file_uri"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
}
