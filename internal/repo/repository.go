package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/sitewatch/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrActiveIncident = errors.New("job already has an active incident")
)

// StateStore holds jobs and their down-interval history. Each method is
// atomic with respect to a single job.
type StateStore interface {
	Get(ctx context.Context, id domain.JobID) (*domain.Job, error)
	// Save upserts the job together with its subscriber set. For a job
	// that already exists only the URL and subscribers are written; the
	// availability fields belong to Apply.
	Save(ctx context.Context, j *domain.Job) error
	// Delete removes the job and its incidents.
	Delete(ctx context.Context, id domain.JobID) error
	FindByURL(ctx context.Context, url string) (*domain.Job, error)
	List(ctx context.Context) ([]*domain.Job, error)

	OpenIncident(ctx context.Context, id domain.JobID, at time.Time) (*domain.DownIncident, error)
	// CloseActiveIncident is a no-op when the job has no active incident.
	CloseActiveIncident(ctx context.Context, id domain.JobID, endedAt time.Time) error
	Incidents(ctx context.Context, id domain.JobID) ([]domain.DownIncident, error)

	// Apply writes the availability fields of t.Job and the incident change
	// in one unit. Subscribers are left untouched so a concurrent
	// registration is never overwritten. Returns ErrNotFound, without
	// writing anything, when the job no longer exists.
	Apply(ctx context.Context, t domain.Transition) error
}

// DeliveryLog keeps a record of notification send attempts for operators.
type DeliveryLog interface {
	Record(ctx context.Context, d *domain.Delivery) error
	// RecentDeliveries returns the newest deliveries first.
	RecentDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error)
}

// CountDown returns how many stored jobs are currently down.
func CountDown(ctx context.Context, s StateStore) (int, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if !j.LastUp {
			n++
		}
	}
	return n, nil
}
