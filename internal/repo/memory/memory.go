package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/sitewatch/internal/domain"
	"github.com/hamed0406/sitewatch/internal/repo"
)

// Store keeps everything in process memory. A single mutex makes every
// operation atomic, which also covers the job+incident pair in Apply.
type Store struct {
	mu          sync.RWMutex
	jobs        map[domain.JobID]*domain.Job
	incidents   map[domain.JobID][]domain.DownIncident
	deliveries  []domain.Delivery
	incidentSeq int64
	deliverySeq int64
}

func New() *Store {
	return &Store{
		jobs:       make(map[domain.JobID]*domain.Job),
		incidents:  make(map[domain.JobID][]domain.DownIncident),
		deliveries: make([]domain.Delivery, 0, 128),
	}
}

var (
	_ repo.StateStore  = (*Store)(nil)
	_ repo.DeliveryLog = (*Store)(nil)
)

func (m *Store) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := j.Clone()
	return &out, nil
}

func (m *Store) Save(ctx context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.jobs[j.ID]; ok {
		cur.URL = j.URL
		cur.Subscribers = append([]string(nil), j.Subscribers...)
		return nil
	}
	cp := j.Clone()
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Store) Delete(ctx context.Context, id domain.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.jobs, id)
	delete(m.incidents, id)
	return nil
}

func (m *Store) FindByURL(ctx context.Context, url string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.URL == url {
			out := j.Clone()
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *Store) List(ctx context.Context) ([]*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := j.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (m *Store) OpenIncident(ctx context.Context, id domain.JobID, at time.Time) (*domain.DownIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return nil, repo.ErrNotFound
	}
	return m.openLocked(id, at)
}

func (m *Store) CloseActiveIncident(ctx context.Context, id domain.JobID, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(id, endedAt)
	return nil
}

func (m *Store) Incidents(ctx context.Context, id domain.JobID) ([]domain.DownIncident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.incidents[id]
	out := make([]domain.DownIncident, len(src))
	copy(out, src)
	return out, nil
}

func (m *Store) Apply(ctx context.Context, t domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[t.Job.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if t.Incident == domain.IncidentOpen && m.activeIndex(t.Job.ID) >= 0 {
		return repo.ErrActiveIncident
	}

	cur.Status = t.Job.Status
	cur.LastUp = t.Job.LastUp
	cur.Notified = t.Job.Notified
	cur.UpSince = t.Job.UpSince
	cur.DownSince = t.Job.DownSince

	switch t.Incident {
	case domain.IncidentOpen:
		_, _ = m.openLocked(t.Job.ID, t.At)
	case domain.IncidentClose:
		m.closeLocked(t.Job.ID, t.At)
	}
	return nil
}

func (m *Store) openLocked(id domain.JobID, at time.Time) (*domain.DownIncident, error) {
	if m.activeIndex(id) >= 0 {
		return nil, repo.ErrActiveIncident
	}
	m.incidentSeq++
	inc := domain.DownIncident{ID: m.incidentSeq, JobID: id, Active: true, StartedAt: at}
	m.incidents[id] = append(m.incidents[id], inc)
	return &inc, nil
}

func (m *Store) closeLocked(id domain.JobID, endedAt time.Time) {
	i := m.activeIndex(id)
	if i < 0 {
		return
	}
	end := endedAt
	m.incidents[id][i].Active = false
	m.incidents[id][i].EndedAt = &end
}

func (m *Store) activeIndex(id domain.JobID) int {
	for i, inc := range m.incidents[id] {
		if inc.Active {
			return i
		}
	}
	return -1
}

// ---- DeliveryLog ----

func (m *Store) Record(ctx context.Context, d *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliverySeq++
	d.ID = m.deliverySeq
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	m.deliveries = append(m.deliveries, *d)
	return nil
}

func (m *Store) RecentDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.deliveries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Delivery, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.deliveries[i])
	}
	return out, nil
}
