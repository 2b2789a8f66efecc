package services

import (
	"roomcast/internal/core/domain"
)

// ActivityAllowed is the capability check for broadcast activities: a pure
// predicate over the requested activity, the participant's granted rights and
// the room's audio-only flag.
func ActivityAllowed(a domain.Activity, rights map[domain.Right]bool, audioOnly bool) bool {
	has := func(r domain.Right) bool {
		return rights[r] || rights[domain.RightModerator]
	}
	switch a {
	case domain.ActivityAudio:
		return has(domain.RightAudio)
	case domain.ActivityVideo:
		return !audioOnly && has(domain.RightVideo)
	case domain.ActivityAudioVideo:
		return !audioOnly && has(domain.RightAudio) && has(domain.RightVideo)
	default:
		return false
	}
}

// ClientActivityAllowed applies ActivityAllowed to a connected participant.
func ClientActivityAllowed(c *domain.Client, a domain.Activity) bool {
	if c.Room == nil {
		return false
	}
	return ActivityAllowed(a, c.Rights, c.Room.AudioOnly)
}

// RecordingAllowed decides whether the participant may start a recording.
// The "no recording already active" half of the guard lives with the room
// session, which owns that state.
func RecordingAllowed(c *domain.Client) bool {
	return c.Room != nil &&
		c.Room.Type != domain.RoomTypeInterview &&
		c.Room.AllowRecording &&
		c.HasRight(domain.RightModerator)
}

// SharingAllowed decides whether the participant may start a screen share.
// The share is what gets recorded, so it also requires a recordable room.
func SharingAllowed(c *domain.Client) bool {
	return c.Room != nil &&
		c.Room.Type != domain.RoomTypeInterview &&
		!c.Room.HideScreenSharing &&
		c.Room.AllowRecording &&
		c.HasRight(domain.RightShare)
}
