package store

import (
	"context"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

// JobStore persists async jobs so their status can be looked up by ID.
// Lookups of unknown IDs return ok=false; updates of unknown IDs return
// domain.ErrJobNotFound.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id string, update domain.StatusUpdate) (domain.Job, error)
}
