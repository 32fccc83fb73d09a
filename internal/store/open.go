package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/pixeldrop/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the job store selected by cfg.Jobs.Backend. The returned closer
// releases backend resources that the store owns; the Redis client is shared
// and stays open.
func Open(ctx context.Context, cfg config.Config, rdb redis.UniversalClient) (JobStore, io.Closer, error) {
	switch strings.ToLower(cfg.Jobs.Backend) {
	case config.JobStoreMemory:
		return NewMemoryJobStore(), nopCloser{}, nil
	case config.JobStoreRedis:
		s, err := NewRedisJobStore(rdb, "pixeldrop:job", cfg.Jobs.TTL)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case config.JobStorePostgres:
		s, err := NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported job store %q", cfg.Jobs.Backend)
	}
}
