package domain

import (
	"sync"

	"github.com/google/uuid"
)

type (
	RoomID    string
	StreamID  string
	ConnID    string
	SessionID string
	UserID    string
)

// Activity is a media activity a participant may run in a room.
type Activity string

const (
	ActivityAudio      Activity = "AUDIO"
	ActivityVideo      Activity = "VIDEO"
	ActivityAudioVideo Activity = "AUDIO_VIDEO"
	ActivityScreen     Activity = "SCREEN"
	ActivityRecord     Activity = "RECORD"
)

// Right is a permission granted to a participant in a room.
type Right string

const (
	RightAudio     Right = "audio"
	RightVideo     Right = "video"
	RightShare     Right = "share"
	RightModerator Right = "moderator"
)

type StreamType string

const (
	StreamTypeWebcam StreamType = "WEBCAM"
	StreamTypeScreen StreamType = "SCREEN"
)

type RoomType string

const (
	RoomTypeConference RoomType = "conference"
	RoomTypeInterview  RoomType = "interview"
)

// Room holds the room configuration consulted by the capability check.
type Room struct {
	ID                RoomID   `json:"id"`
	Type              RoomType `json:"type"`
	AudioOnly         bool     `json:"audioOnly"`
	AllowRecording    bool     `json:"allowRecording"`
	HideScreenSharing bool     `json:"hideScreenSharing"`
}

// StreamDesc describes one outbound publication announced by a participant.
type StreamDesc struct {
	UID        StreamID   `json:"uid"`
	SID        SessionID  `json:"sid"`
	Type       StreamType `json:"type"`
	Activities []Activity `json:"activities"`
}

func (sd *StreamDesc) HasActivity(a Activity) bool {
	for _, act := range sd.Activities {
		if act == a {
			return true
		}
	}
	return false
}

// Client is the in-process view of one participant connection. Rights and
// activity mutations go through the message dispatch path, which is
// serialized per connection. The stream list is also read by other
// connections' room re-scans, so it is guarded by its own lock.
type Client struct {
	ID         ConnID
	SID        SessionID
	UserID     UserID
	RoomID     RoomID
	Room       *Room
	Rights     map[Right]bool
	Activities map[Activity]bool
	MicEnabled bool
	CamEnabled bool

	mu      sync.RWMutex
	streams []*StreamDesc
}

func NewClient(id ConnID, sid SessionID, userID UserID, room *Room) *Client {
	c := &Client{
		ID:         id,
		SID:        sid,
		UserID:     userID,
		Rights:     make(map[Right]bool),
		Activities: make(map[Activity]bool),
		MicEnabled: true,
		CamEnabled: true,
	}
	if room != nil {
		c.RoomID = room.ID
		c.Room = room
	}
	return c
}

func (c *Client) HasRight(r Right) bool {
	return c.Rights[r] || c.Rights[RightModerator]
}

// Allow grants a right to the client.
func (c *Client) Allow(r Right) {
	c.Rights[r] = true
}

func (c *Client) HasActivity(a Activity) bool {
	return c.Activities[a]
}

func (c *Client) HasAnyActivity(activities ...Activity) bool {
	for _, a := range activities {
		if c.Activities[a] {
			return true
		}
	}
	return false
}

func (c *Client) ToggleActivity(a Activity) {
	switch a {
	case ActivityAudioVideo:
		both := c.Activities[ActivityAudio] && c.Activities[ActivityVideo]
		c.Activities[ActivityAudio] = !both
		c.Activities[ActivityVideo] = !both
	default:
		c.Activities[a] = !c.Activities[a]
	}
}

func (c *Client) RemoveActivity(a Activity) {
	delete(c.Activities, a)
}

// AddStream registers a new publication of the given type and returns its
// descriptor. The activity set is snapshotted from the client's current state.
func (c *Client) AddStream(t StreamType, activities ...Activity) *StreamDesc {
	sd := &StreamDesc{
		UID:  StreamID(uuid.NewString()),
		SID:  c.SID,
		Type: t,
	}
	if len(activities) > 0 {
		sd.Activities = activities
	} else {
		sd.Activities = c.broadcastActivities()
	}
	c.mu.Lock()
	c.streams = append(c.streams, sd)
	c.mu.Unlock()
	return sd
}

func (c *Client) Stream(uid StreamID) *StreamDesc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sd := range c.streams {
		if sd.UID == uid {
			return sd
		}
	}
	return nil
}

// Streams returns a snapshot of the current publications. The slice is a
// copy; the descriptors are shared.
func (c *Client) Streams() []*StreamDesc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*StreamDesc(nil), c.streams...)
}

func (c *Client) RemoveStream(uid StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*StreamDesc, 0, len(c.streams))
	for _, sd := range c.streams {
		if sd.UID != uid {
			out = append(out, sd)
		}
	}
	c.streams = out
}

// ClearStreams drops every publication descriptor at once.
func (c *Client) ClearStreams() {
	c.mu.Lock()
	c.streams = nil
	c.mu.Unlock()
}

// RefreshStreamActivities recomputes a webcam stream's activity set after the
// participant toggled devices mid-broadcast.
func (c *Client) RefreshStreamActivities(sd *StreamDesc) {
	if sd != nil && sd.Type == StreamTypeWebcam {
		sd.Activities = c.broadcastActivities()
	}
}

func (c *Client) broadcastActivities() []Activity {
	var acts []Activity
	for _, a := range []Activity{ActivityAudio, ActivityVideo} {
		if c.Activities[a] {
			acts = append(acts, a)
		}
	}
	return acts
}

// IsBroadcasting reports whether the participant is publishing audio or video.
func (c *Client) IsBroadcasting() bool {
	return c.HasAnyActivity(ActivityAudio, ActivityVideo)
}
