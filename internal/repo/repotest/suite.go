// Package repotest holds behaviour tests shared by every StateStore and
// DeliveryLog adapter.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/sitewatch/internal/domain"
	"github.com/hamed0406/sitewatch/internal/repo"
)

// Store is what an adapter under test has to provide.
type Store interface {
	repo.StateStore
	repo.DeliveryLog
}

var base = time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)

// Run executes the shared suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SaveGetFind", func(t *testing.T) { testSaveGetFind(t, newStore(t)) })
	t.Run("SaveReplacesSubscribers", func(t *testing.T) { testSaveReplacesSubscribers(t, newStore(t)) })
	t.Run("SaveKeepsAvailability", func(t *testing.T) { testSaveKeepsAvailability(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("ListOrdered", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("IncidentLifecycle", func(t *testing.T) { testIncidentLifecycle(t, newStore(t)) })
	t.Run("ApplyKeepsSubscribers", func(t *testing.T) { testApplyKeepsSubscribers(t, newStore(t)) })
	t.Run("ApplyMissingJob", func(t *testing.T) { testApplyMissingJob(t, newStore(t)) })
	t.Run("ApplyRejectsSecondActiveIncident", func(t *testing.T) { testApplyActiveIncident(t, newStore(t)) })
	t.Run("CountDown", func(t *testing.T) { testCountDown(t, newStore(t)) })
	t.Run("Deliveries", func(t *testing.T) { testDeliveries(t, newStore(t)) })
}

func newJob(id, url string, at time.Time, subs ...string) *domain.Job {
	j := domain.NewJob(domain.JobID(id), url, subs[0], at)
	for _, s := range subs[1:] {
		j = j.WithSubscriber(s)
	}
	return &j
}

func testSaveGetFind(t *testing.T, s Store) {
	ctx := context.Background()
	j := newJob("J1", "http://example.com", base, "a@example.com", "b@example.com")
	require.NoError(t, s.Save(ctx, j))

	got, err := s.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com", got.URL)
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, got.Subscribers)
	assert.True(t, got.LastUp)
	assert.Equal(t, domain.StatusUp, got.Status)
	assert.True(t, got.UpSince.Equal(base))

	byURL, err := s.FindByURL(ctx, "http://example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.JobID("J1"), byURL.ID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound), "want ErrNotFound, got %v", err)
	_, err = s.FindByURL(ctx, "http://missing.example.com")
	assert.True(t, errors.Is(err, repo.ErrNotFound), "want ErrNotFound, got %v", err)
}

func testSaveReplacesSubscribers(t *testing.T, s Store) {
	ctx := context.Background()
	j := newJob("J1", "http://example.com", base, "a@example.com", "b@example.com")
	require.NoError(t, s.Save(ctx, j))

	next := j.WithoutSubscriber("a@example.com").WithSubscriber("c@example.com")
	require.NoError(t, s.Save(ctx, &next))

	got, err := s.Get(ctx, "J1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b@example.com", "c@example.com"}, got.Subscribers)
}

func testDeleteCascades(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newJob("J1", "http://example.com", base, "a@example.com")))
	_, err := s.OpenIncident(ctx, "J1", base)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "J1"))
	_, err = s.Get(ctx, "J1")
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	incs, err := s.Incidents(ctx, "J1")
	require.NoError(t, err)
	assert.Empty(t, incs)

	assert.True(t, errors.Is(s.Delete(ctx, "J1"), repo.ErrNotFound))
}

func testList(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newJob("J2", "http://b.example.com", base.Add(time.Minute), "a@example.com")))
	require.NoError(t, s.Save(ctx, newJob("J1", "http://a.example.com", base, "a@example.com")))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.JobID("J1"), all[0].ID)
	assert.Equal(t, domain.JobID("J2"), all[1].ID)
}

func testIncidentLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newJob("J1", "http://example.com", base, "a@example.com")))

	inc, err := s.OpenIncident(ctx, "J1", base)
	require.NoError(t, err)
	assert.True(t, inc.Active)

	_, err = s.OpenIncident(ctx, "J1", base.Add(time.Minute))
	assert.True(t, errors.Is(err, repo.ErrActiveIncident), "want ErrActiveIncident, got %v", err)

	end := base.Add(10 * time.Minute)
	require.NoError(t, s.CloseActiveIncident(ctx, "J1", end))
	// closing again is a no-op
	require.NoError(t, s.CloseActiveIncident(ctx, "J1", end.Add(time.Minute)))

	incs, err := s.Incidents(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, incs, 1)
	assert.False(t, incs[0].Active)
	require.NotNil(t, incs[0].EndedAt)
	assert.True(t, incs[0].EndedAt.Equal(end))
	assert.True(t, incs[0].StartedAt.Equal(base))
}

func testSaveKeepsAvailability(t *testing.T, s Store) {
	ctx := context.Background()
	j := newJob("J1", "http://example.com", base, "a@example.com")
	require.NoError(t, s.Save(ctx, j))

	// a registration read the job before the runner committed DOWN
	stale := j.WithSubscriber("b@example.com")

	down := j.Clone()
	down.LastUp = false
	down.Status = domain.StatusDown
	down.DownSince = base.Add(time.Minute)
	require.NoError(t, s.Apply(ctx, domain.Transition{Job: down, Incident: domain.IncidentOpen, At: down.DownSince}))

	require.NoError(t, s.Save(ctx, &stale))

	got, err := s.Get(ctx, "J1")
	require.NoError(t, err)
	assert.False(t, got.LastUp)
	assert.Equal(t, domain.StatusDown, got.Status)
	assert.True(t, got.DownSince.Equal(down.DownSince))
	assert.True(t, got.UpSince.Equal(base))
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, got.Subscribers)

	up := got.Clone()
	up.LastUp = true
	up.Status = domain.StatusUp
	up.UpSince = base.Add(5 * time.Minute)
	require.NoError(t, s.Apply(ctx, domain.Transition{Job: up, Incident: domain.IncidentClose, At: up.UpSince}))

	incs, err := s.Incidents(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, incs, 1)
	assert.False(t, incs[0].Active)
}

func testCountDown(t *testing.T, s Store) {
	ctx := context.Background()
	for _, id := range []string{"J1", "J2", "J3"} {
		require.NoError(t, s.Save(ctx, newJob(id, "http://"+id+".example.com", base, "a@example.com")))
	}
	for _, id := range []domain.JobID{"J1", "J2"} {
		j, err := s.Get(ctx, id)
		require.NoError(t, err)
		j.LastUp = false
		j.Status = domain.StatusDown
		j.DownSince = base.Add(time.Minute)
		require.NoError(t, s.Apply(ctx, domain.Transition{Job: *j, Incident: domain.IncidentOpen, At: j.DownSince}))
	}

	n, err := repo.CountDown(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// deleting a job that is down drops it from the count
	require.NoError(t, s.Delete(ctx, "J2"))
	n, err = repo.CountDown(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testApplyKeepsSubscribers(t *testing.T, s Store) {
	ctx := context.Background()
	j := newJob("J1", "http://example.com", base, "a@example.com")
	require.NoError(t, s.Save(ctx, j))

	// a registration lands between the runner's read and its write
	withB := j.WithSubscriber("b@example.com")
	require.NoError(t, s.Save(ctx, &withB))

	down := j.Clone()
	down.LastUp = false
	down.Status = domain.StatusDown
	down.DownSince = base.Add(time.Minute)
	require.NoError(t, s.Apply(ctx, domain.Transition{Job: down, Incident: domain.IncidentOpen, At: down.DownSince}))

	got, err := s.Get(ctx, "J1")
	require.NoError(t, err)
	assert.False(t, got.LastUp)
	assert.Equal(t, domain.StatusDown, got.Status)
	assert.True(t, got.DownSince.Equal(down.DownSince))
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, got.Subscribers)

	incs, err := s.Incidents(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, incs, 1)
	assert.True(t, incs[0].Active)

	up := down.Clone()
	up.LastUp = true
	up.Status = domain.StatusUp
	up.UpSince = base.Add(5 * time.Minute)
	require.NoError(t, s.Apply(ctx, domain.Transition{Job: up, Incident: domain.IncidentClose, At: up.UpSince}))

	incs, err = s.Incidents(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, incs, 1)
	assert.False(t, incs[0].Active)
	require.NotNil(t, incs[0].EndedAt)
	assert.True(t, incs[0].EndedAt.Equal(up.UpSince))
}

func testApplyMissingJob(t *testing.T, s Store) {
	ctx := context.Background()
	j := newJob("gone", "http://example.com", base, "a@example.com")
	err := s.Apply(ctx, domain.Transition{Job: *j, Incident: domain.IncidentOpen, At: base})
	assert.True(t, errors.Is(err, repo.ErrNotFound), "want ErrNotFound, got %v", err)

	incs, err := s.Incidents(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, incs, "no incident may be written for a missing job")
}

func testApplyActiveIncident(t *testing.T, s Store) {
	ctx := context.Background()
	j := newJob("J1", "http://example.com", base, "a@example.com")
	require.NoError(t, s.Save(ctx, j))
	_, err := s.OpenIncident(ctx, "J1", base)
	require.NoError(t, err)

	down := j.Clone()
	down.LastUp = false
	down.Status = domain.StatusDown
	err = s.Apply(ctx, domain.Transition{Job: down, Incident: domain.IncidentOpen, At: base})
	assert.True(t, errors.Is(err, repo.ErrActiveIncident), "want ErrActiveIncident, got %v", err)

	got, err := s.Get(ctx, "J1")
	require.NoError(t, err)
	assert.True(t, got.LastUp, "failed Apply must not write the job")
}

func testDeliveries(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newJob("J1", "http://example.com", base, "a@example.com")))

	for i, ok := range []bool{true, false, true} {
		d := &domain.Delivery{
			JobID:     "J1",
			Kind:      "down",
			Recipient: "a@example.com",
			Subject:   "http://example.com is Down!",
			OK:        ok,
			SentAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if !ok {
			d.Error = "smtp: 550"
		}
		require.NoError(t, s.Record(ctx, d))
		assert.NotZero(t, d.ID)
	}

	got, err := s.RecentDeliveries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].SentAt.Equal(base.Add(2*time.Minute)))
	assert.False(t, got[1].OK)
	assert.Equal(t, "smtp: 550", got[1].Error)
}
