package domain

import "errors"

var (
	ErrServiceUnavailable   = errors.New("media engine is not accessible")
	ErrCapabilityDenied     = errors.New("activity not permitted")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrRecordingActive      = errors.New("recording already active")
	ErrSharingActive        = errors.New("screen sharing already active")
	ErrStreamNotFound       = errors.New("stream not found")
	ErrRoomNotFound         = errors.New("room not found")
	ErrStreamReleased       = errors.New("stream already released")
	ErrInvalidStreamState   = errors.New("invalid stream state for operation")
	ErrCredentialGeneration = errors.New("credential generation failed")
	ErrRecordingNotFound    = errors.New("recording not found")
)
