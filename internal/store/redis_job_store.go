package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

const maxUpdateAttempts = 5

// RedisJobStore keeps each job as a JSON value under <prefix>:<id> with a TTL.
// It shares the Redis instance the task queue runs on.
type RedisJobStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisJobStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) (*RedisJobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "pixeldrop:job"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	return &RedisJobStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}, nil
}

func (s *RedisJobStore) key(id string) string {
	return s.keyPrefix + ":" + id
}

func (s *RedisJobStore) Create(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.key(job.ID), body, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	if !created {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	body, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("load job %s: %w", id, err)
	}

	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return job, true, nil
}

// UpdateStatus applies the transition inside a WATCH transaction so the API
// and a worker never overwrite each other's update.
func (s *RedisJobStore) UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) (domain.Job, error) {
	key := s.key(id)

	var updated domain.Job
	txf := func(tx *redis.Tx) error {
		body, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load job %s: %w", id, err)
		}

		var job domain.Job
		if err := json.Unmarshal(body, &job); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", id, err)
		}
		if err := job.Apply(update, time.Now().UTC()); err != nil {
			return err
		}
		next, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, next, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Job{}, err
		}
		return updated, nil
	}
	return domain.Job{}, fmt.Errorf("update job %s: too much contention", id)
}
