package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// ClientManager is the connection registry collaborator: lookup by connection
// or session id and room-wide enumeration.
type ClientManager interface {
	Get(id domain.ConnID) (*domain.Client, bool)
	BySession(sid domain.SessionID) (*domain.Client, bool)
	ListByRoom(room domain.RoomID) []*domain.Client
	Update(c *domain.Client)
}

// Messenger pushes outbound signaling messages to one participant, to all
// participants in a room, or to every connection.
type Messenger interface {
	SendToClient(id domain.ConnID, msg domain.Message)
	SendToRoom(room domain.RoomID, msg domain.Message)
	SendToAll(msg domain.Message)
}

// RoomDirectory resolves room configuration for joining participants.
type RoomDirectory interface {
	Room(ctx context.Context, id domain.RoomID) (*domain.Room, error)
}

// RecordingStore persists recording metadata rows.
type RecordingStore interface {
	Create(ctx context.Context, rec *domain.Recording) error
	Update(ctx context.Context, rec *domain.Recording) error
	Get(ctx context.Context, id string) (*domain.Recording, error)
}

// RecordingConverter post-processes a finished recording artifact. Invoked
// asynchronously; the room session never transcodes inline.
type RecordingConverter interface {
	StartConversion(ctx context.Context, rec *domain.Recording) error
}

// Metrics receives counters from the orchestration core. Implemented by the
// prometheus collector; a no-op implementation backs tests.
type Metrics interface {
	EngineConnected(up bool)
	RoomOpened()
	RoomClosed()
	StreamStarted()
	StreamReleased()
	RecordingStarted()
	RecordingStopped()
	ReconcilerDropped(objectType string)
	MessageDispatched(command string)
}
