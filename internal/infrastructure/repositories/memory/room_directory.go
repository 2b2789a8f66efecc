package memory

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

// MemoryRoomDirectory serves room configuration from process memory. With
// autoCreate set, unknown rooms resolve to a default conference room, which
// keeps standalone deployments working without a provisioning step.
type MemoryRoomDirectory struct {
	mu         sync.RWMutex
	rooms      map[domain.RoomID]*domain.Room
	autoCreate bool
}

func NewMemoryRoomDirectory(autoCreate bool) *MemoryRoomDirectory {
	return &MemoryRoomDirectory{
		rooms:      make(map[domain.RoomID]*domain.Room),
		autoCreate: autoCreate,
	}
}

var _ ports.RoomDirectory = (*MemoryRoomDirectory)(nil)

func (d *MemoryRoomDirectory) Room(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	d.mu.RLock()
	room, ok := d.rooms[id]
	d.mu.RUnlock()
	if ok {
		cp := *room
		return &cp, nil
	}
	if !d.autoCreate {
		return nil, domain.ErrRoomNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if room, ok = d.rooms[id]; !ok {
		room = &domain.Room{
			ID:             id,
			Type:           domain.RoomTypeConference,
			AllowRecording: true,
		}
		d.rooms[id] = room
	}
	cp := *room
	return &cp, nil
}

// PutRoom registers or replaces room configuration.
func (d *MemoryRoomDirectory) PutRoom(room *domain.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *room
	d.rooms[room.ID] = &cp
}
