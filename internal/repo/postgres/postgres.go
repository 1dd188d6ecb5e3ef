package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/sitewatch/internal/domain"
	"github.com/hamed0406/sitewatch/internal/repo"
)

var (
	_ repo.StateStore  = (*Store)(nil)
	_ repo.DeliveryLog = (*Store)(nil)
)

// Schema is applied by Migrate. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id         TEXT PRIMARY KEY,
  url        TEXT NOT NULL UNIQUE,
  status     TEXT NOT NULL,
  last_up    BOOLEAN NOT NULL,
  notified   BOOLEAN NOT NULL,
  up_since   TIMESTAMPTZ NOT NULL,
  down_since TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_subscribers (
  job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  email  TEXT NOT NULL,
  PRIMARY KEY (job_id, email)
);

CREATE TABLE IF NOT EXISTS down_incidents (
  id         BIGSERIAL PRIMARY KEY,
  job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  active     BOOLEAN NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  ended_at   TIMESTAMPTZ NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_down_incidents_one_active ON down_incidents (job_id) WHERE active;
CREATE INDEX IF NOT EXISTS idx_down_incidents_job ON down_incidents (job_id, started_at);

CREATE TABLE IF NOT EXISTS deliveries (
  id        BIGSERIAL PRIMARY KEY,
  job_id    TEXT NOT NULL,
  kind      TEXT NOT NULL,
  recipient TEXT NOT NULL,
  subject   TEXT NOT NULL,
  ok        BOOLEAN NOT NULL,
  error     TEXT NOT NULL DEFAULT '',
  sent_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_sent_at ON deliveries (sent_at DESC);
`

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// pgxIface is the part of *pgxpool.Pool the store uses; pgxmock satisfies it too.
type pgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type Store struct {
	pool pgxIface
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return NewWithPool(pool, log), nil
}

func NewWithPool(pool pgxIface, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, log: log}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ---- jobs ----

const selectJobs = `
SELECT j.id, j.url, j.status, j.last_up, j.notified, j.up_since, j.down_since, j.created_at,
       COALESCE(array_agg(s.email ORDER BY s.email) FILTER (WHERE s.email IS NOT NULL), '{}') AS subscribers
  FROM jobs j
  LEFT JOIN job_subscribers s ON s.job_id = j.id`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j         domain.Job
		id        string
		status    string
		downSince *time.Time
	)
	if err := row.Scan(&id, &j.URL, &status, &j.LastUp, &j.Notified, &j.UpSince, &downSince, &j.CreatedAt, &j.Subscribers); err != nil {
		return nil, err
	}
	j.ID = domain.JobID(id)
	j.Status = domain.Status(status)
	if downSince != nil {
		j.DownSince = *downSince
	}
	return &j, nil
}

func (s *Store) getOne(ctx context.Context, where string, arg any) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, selectJobs+"\n WHERE "+where+"\n GROUP BY j.id", arg)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	return j, err
}

func (s *Store) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	j, err := s.getOne(ctx, "j.id = $1", string(id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *Store) FindByURL(ctx context.Context, url string) (*domain.Job, error) {
	j, err := s.getOne(ctx, "j.url = $1", url)
	if err != nil {
		return nil, fmt.Errorf("find job by url: %w", err)
	}
	return j, nil
}

func (s *Store) List(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, selectJobs+"\n GROUP BY j.id\n ORDER BY j.created_at, j.id")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) Save(ctx context.Context, j *domain.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, url, status, last_up, notified, up_since, down_since, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET url = EXCLUDED.url`,
		string(j.ID), j.URL, string(j.Status), j.LastUp, j.Notified, j.UpSince, nullTime(j.DownSince), j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job_subscribers WHERE job_id = $1`, string(j.ID)); err != nil {
		return fmt.Errorf("clear subscribers: %w", err)
	}
	for _, email := range j.Subscribers {
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_subscribers (job_id, email) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			string(j.ID), email,
		); err != nil {
			return fmt.Errorf("insert subscriber: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id domain.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// ---- incidents ----

func (s *Store) OpenIncident(ctx context.Context, id domain.JobID, at time.Time) (*domain.DownIncident, error) {
	inc := &domain.DownIncident{JobID: id, Active: true, StartedAt: at}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO down_incidents (job_id, active, started_at) VALUES ($1, TRUE, $2) RETURNING id`,
		string(id), at,
	).Scan(&inc.ID)
	if err != nil {
		return nil, fmt.Errorf("open incident: %w", mapPgErr(err))
	}
	return inc, nil
}

func (s *Store) CloseActiveIncident(ctx context.Context, id domain.JobID, endedAt time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE down_incidents SET active = FALSE, ended_at = $2 WHERE job_id = $1 AND active`,
		string(id), endedAt,
	); err != nil {
		return fmt.Errorf("close incident: %w", err)
	}
	return nil
}

func (s *Store) Incidents(ctx context.Context, id domain.JobID) ([]domain.DownIncident, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, active, started_at, ended_at
		   FROM down_incidents
		  WHERE job_id = $1
		  ORDER BY started_at, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	out := []domain.DownIncident{}
	for rows.Next() {
		inc := domain.DownIncident{JobID: id}
		if err := rows.Scan(&inc.ID, &inc.Active, &inc.StartedAt, &inc.EndedAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Apply commits the availability fields and the incident change in one
// transaction.
func (s *Store) Apply(ctx context.Context, t domain.Transition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j := t.Job
	tag, err := tx.Exec(ctx,
		`UPDATE jobs
		    SET status = $2, last_up = $3, notified = $4, up_since = $5, down_since = $6
		  WHERE id = $1`,
		string(j.ID), string(j.Status), j.LastUp, j.Notified, j.UpSince, nullTime(j.DownSince),
	)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}

	switch t.Incident {
	case domain.IncidentOpen:
		if _, err := tx.Exec(ctx,
			`INSERT INTO down_incidents (job_id, active, started_at) VALUES ($1, TRUE, $2)`,
			string(j.ID), t.At,
		); err != nil {
			return fmt.Errorf("open incident: %w", mapPgErr(err))
		}
	case domain.IncidentClose:
		if _, err := tx.Exec(ctx,
			`UPDATE down_incidents SET active = FALSE, ended_at = $2 WHERE job_id = $1 AND active`,
			string(j.ID), t.At,
		); err != nil {
			return fmt.Errorf("close incident: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Debug("transition_applied",
		zap.String("job_id", string(j.ID)),
		zap.String("status", string(j.Status)),
		zap.String("incident", t.Incident.String()),
	)
	return nil
}

// ---- DeliveryLog ----

func (s *Store) Record(ctx context.Context, d *domain.Delivery) error {
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO deliveries (job_id, kind, recipient, subject, ok, error, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		string(d.JobID), d.Kind, d.Recipient, d.Subject, d.OK, d.Error, d.SentAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, kind, recipient, subject, ok, error, sent_at
		   FROM deliveries
		  ORDER BY sent_at DESC, id DESC
		  LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	out := []domain.Delivery{}
	for rows.Next() {
		var (
			d     domain.Delivery
			jobID string
		)
		if err := rows.Scan(&d.ID, &jobID, &d.Kind, &d.Recipient, &d.Subject, &d.OK, &d.Error, &d.SentAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.JobID = domain.JobID(jobID)
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return repo.ErrActiveIncident
		case pgForeignKeyViolation:
			return repo.ErrNotFound
		}
	}
	return err
}
