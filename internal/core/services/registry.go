package services

import (
	"sync"

	"roomcast/internal/core/domain"
)

// Registry is the process-wide table of active rooms, streams and test
// streams; the single source of truth for what this process believes exists
// in the engine. Safe for concurrent use from the dispatch path and the
// drift reconciler. Per-entry state is serialized by the entries themselves.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[domain.RoomID]*RoomSession
	streams map[domain.StreamID]*StreamSession
	tests   map[domain.ConnID]*TestStream
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[domain.RoomID]*RoomSession),
		streams: make(map[domain.StreamID]*StreamSession),
		tests:   make(map[domain.ConnID]*TestStream),
	}
}

func (r *Registry) Room(id domain.RoomID) *RoomSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[id]
}

func (r *Registry) PutRoom(room *RoomSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.ID()] = room
}

func (r *Registry) DeleteRoom(id domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, id)
}

func (r *Registry) Rooms() []*RoomSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RoomSession, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

func (r *Registry) Stream(uid domain.StreamID) *StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[uid]
}

func (r *Registry) PutStream(s *StreamSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[s.UID()] = s
}

func (r *Registry) DeleteStream(uid domain.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, uid)
}

// StreamsByRoom snapshots the streams currently registered for a room.
func (r *Registry) StreamsByRoom(room domain.RoomID) []*StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*StreamSession
	for _, s := range r.streams {
		if s.RoomID() == room {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Test(id domain.ConnID) *TestStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tests[id]
}

func (r *Registry) PutTest(t *TestStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests[t.ConnID()] = t
}

func (r *Registry) DeleteTest(id domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tests, id)
}

func (r *Registry) Tests() []*TestStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TestStream, 0, len(r.tests))
	for _, t := range r.tests {
		out = append(out, t)
	}
	return out
}
