package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisRecordingStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRecordingStore(client *redis.Client) ports.RecordingStore {
	return &RedisRecordingStore{
		client: client,
		prefix: "roomcast:recording:",
	}
}

func (r *RedisRecordingStore) recordingKey(id string) string {
	return r.prefix + id
}

func (r *RedisRecordingStore) roomKey(room domain.RoomID) string {
	return r.prefix + "room:" + string(room)
}

func (r *RedisRecordingStore) Create(ctx context.Context, rec *domain.Recording) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal recording: %w", err)
	}

	if err := r.client.Set(ctx, r.recordingKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set recording in Redis: %w", err)
	}
	if err := r.client.SAdd(ctx, r.roomKey(rec.RoomID), rec.ID).Err(); err != nil {
		return fmt.Errorf("failed to index recording by room: %w", err)
	}
	return nil
}

func (r *RedisRecordingStore) Update(ctx context.Context, rec *domain.Recording) error {
	exists, err := r.client.Exists(ctx, r.recordingKey(rec.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check recording in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrRecordingNotFound
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal recording: %w", err)
	}
	if err := r.client.Set(ctx, r.recordingKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update recording in Redis: %w", err)
	}
	return nil
}

func (r *RedisRecordingStore) Get(ctx context.Context, id string) (*domain.Recording, error) {
	data, err := r.client.Get(ctx, r.recordingKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRecordingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording from Redis: %w", err)
	}

	var rec domain.Recording
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recording: %w", err)
	}
	return &rec, nil
}
