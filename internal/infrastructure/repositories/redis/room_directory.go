package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomDirectory reads room configuration written to Redis by the
// conferencing application. Unknown rooms are an error: room provisioning is
// not this service's job when an external source of truth exists.
type RedisRoomDirectory struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomDirectory(client *redis.Client) *RedisRoomDirectory {
	return &RedisRoomDirectory{
		client: client,
		prefix: "roomcast:room:",
	}
}

var _ ports.RoomDirectory = (*RedisRoomDirectory)(nil)

func (r *RedisRoomDirectory) Room(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.prefix+string(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	room.ID = id
	return &room, nil
}

// PutRoom stores room configuration; exposed for provisioning tools.
func (r *RedisRoomDirectory) PutRoom(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+string(room.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	return nil
}
