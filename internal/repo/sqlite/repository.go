package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hamed0406/sitewatch/internal/domain"
	"github.com/hamed0406/sitewatch/internal/repo"
)

// Timestamps are stored as unix nanoseconds (UTC) so they round-trip exactly.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id         TEXT PRIMARY KEY,
    url        TEXT NOT NULL UNIQUE,
    status     TEXT NOT NULL,
    last_up    INTEGER NOT NULL,
    notified   INTEGER NOT NULL,
    up_since   INTEGER NOT NULL,
    down_since INTEGER,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_subscribers (
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    email  TEXT NOT NULL,
    PRIMARY KEY (job_id, email)
);
CREATE TABLE IF NOT EXISTS down_incidents (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    active     INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at   INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_down_incidents_one_active ON down_incidents(job_id) WHERE active = 1;
CREATE TABLE IF NOT EXISTS deliveries (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id    TEXT NOT NULL,
    kind      TEXT NOT NULL,
    recipient TEXT NOT NULL,
    subject   TEXT NOT NULL,
    ok        INTEGER NOT NULL,
    error     TEXT NOT NULL DEFAULT '',
    sent_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_sent_at ON deliveries(sent_at);
`

// Store implements repo.StateStore and repo.DeliveryLog on an embedded
// SQLite file. It uses a single connection, so transactions never contend.
type Store struct {
	db *sql.DB
}

var (
	_ repo.StateStore  = (*Store)(nil)
	_ repo.DeliveryLog = (*Store)(nil)
)

// New opens (creating if needed) the database at dbPath. ":memory:" gives a
// private in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (r *Store) Close() error {
	return r.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const jobColumns = `id, url, status, last_up, notified, up_since, down_since, created_at`

func scanJob(row interface{ Scan(...any) error }) (*domain.Job, error) {
	var (
		j                  domain.Job
		id, status         string
		upSince, createdAt int64
		downSince          sql.NullInt64
	)
	if err := row.Scan(&id, &j.URL, &status, &j.LastUp, &j.Notified, &upSince, &downSince, &createdAt); err != nil {
		return nil, err
	}
	j.ID = domain.JobID(id)
	j.Status = domain.Status(status)
	j.UpSince = fromNanos(upSince)
	j.CreatedAt = fromNanos(createdAt)
	if downSince.Valid {
		j.DownSince = fromNanos(downSince.Int64)
	}
	return &j, nil
}

func loadSubscribers(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT email FROM job_subscribers WHERE job_id = ? ORDER BY email`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Store) getOne(ctx context.Context, where string, arg any) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if j.Subscribers, err = loadSubscribers(ctx, tx, string(j.ID)); err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

func (r *Store) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	j, err := r.getOne(ctx, "id = ?", string(id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (r *Store) FindByURL(ctx context.Context, url string) (*domain.Job, error) {
	j, err := r.getOne(ctx, "url = ?", url)
	if err != nil {
		return nil, fmt.Errorf("find job by url: %w", err)
	}
	return j, nil
}

func (r *Store) List(ctx context.Context) ([]*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range out {
		if j.Subscribers, err = loadSubscribers(ctx, tx, string(j.ID)); err != nil {
			return nil, fmt.Errorf("list subscribers: %w", err)
		}
	}
	return out, tx.Commit()
}

func (r *Store) Save(ctx context.Context, j *domain.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET url = excluded.url`,
		string(j.ID), j.URL, string(j.Status), j.LastUp, j.Notified,
		toNanos(j.UpSince), nullNanos(j.DownSince), toNanos(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_subscribers WHERE job_id = ?`, string(j.ID)); err != nil {
		return fmt.Errorf("clear subscribers: %w", err)
	}
	for _, email := range j.Subscribers {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_subscribers (job_id, email) VALUES (?, ?)`, string(j.ID), email,
		); err != nil {
			return fmt.Errorf("insert subscriber: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Store) Delete(ctx context.Context, id domain.JobID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	// explicit in case the connection was opened without foreign keys
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_subscribers WHERE job_id = ?`, string(id)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM down_incidents WHERE job_id = ?`, string(id)); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- incidents ----

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openIncident(ctx context.Context, tx execer, id domain.JobID, at time.Time) (int64, error) {
	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM down_incidents WHERE job_id = ? AND active = 1`, string(id),
	).Scan(&active); err != nil {
		return 0, err
	}
	if active > 0 {
		return 0, repo.ErrActiveIncident
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO down_incidents (job_id, active, started_at) VALUES (?, 1, ?)`, string(id), toNanos(at))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func closeIncident(ctx context.Context, tx execer, id domain.JobID, endedAt time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE down_incidents SET active = 0, ended_at = ? WHERE job_id = ? AND active = 1`,
		toNanos(endedAt), string(id))
	return err
}

func (r *Store) OpenIncident(ctx context.Context, id domain.JobID, at time.Time) (*domain.DownIncident, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, string(id)).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, repo.ErrNotFound
	}
	incID, err := openIncident(ctx, tx, id, at)
	if err != nil {
		return nil, fmt.Errorf("open incident: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.DownIncident{ID: incID, JobID: id, Active: true, StartedAt: at}, nil
}

func (r *Store) CloseActiveIncident(ctx context.Context, id domain.JobID, endedAt time.Time) error {
	if err := closeIncident(ctx, r.db, id, endedAt); err != nil {
		return fmt.Errorf("close incident: %w", err)
	}
	return nil
}

func (r *Store) Incidents(ctx context.Context, id domain.JobID) ([]domain.DownIncident, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, active, started_at, ended_at FROM down_incidents WHERE job_id = ? ORDER BY started_at, id`,
		string(id))
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	out := []domain.DownIncident{}
	for rows.Next() {
		var (
			inc     = domain.DownIncident{JobID: id}
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&inc.ID, &inc.Active, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.StartedAt = fromNanos(started)
		if ended.Valid {
			t := fromNanos(ended.Int64)
			inc.EndedAt = &t
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (r *Store) Apply(ctx context.Context, t domain.Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	j := t.Job
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_up = ?, notified = ?, up_since = ?, down_since = ? WHERE id = ?`,
		string(j.Status), j.LastUp, j.Notified, toNanos(j.UpSince), nullNanos(j.DownSince), string(j.ID))
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}

	switch t.Incident {
	case domain.IncidentOpen:
		if _, err := openIncident(ctx, tx, j.ID, t.At); err != nil {
			return fmt.Errorf("open incident: %w", err)
		}
	case domain.IncidentClose:
		if err := closeIncident(ctx, tx, j.ID, t.At); err != nil {
			return fmt.Errorf("close incident: %w", err)
		}
	}
	return tx.Commit()
}

// ---- DeliveryLog ----

func (r *Store) Record(ctx context.Context, d *domain.Delivery) error {
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO deliveries (job_id, kind, recipient, subject, ok, error, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(d.JobID), d.Kind, d.Recipient, d.Subject, d.OK, d.Error, toNanos(d.SentAt))
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

func (r *Store) RecentDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, kind, recipient, subject, ok, error, sent_at
		   FROM deliveries ORDER BY sent_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	out := []domain.Delivery{}
	for rows.Next() {
		var (
			d      domain.Delivery
			jobID  string
			sentAt int64
		)
		if err := rows.Scan(&d.ID, &jobID, &d.Kind, &d.Recipient, &d.Subject, &d.OK, &d.Error, &sentAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.JobID = domain.JobID(jobID)
		d.SentAt = fromNanos(sentAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(t), Valid: true}
}
