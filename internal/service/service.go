// Package service implements registration, removal and status queries for
// monitored URLs. Availability evaluation itself lives in the scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hamed0406/sitewatch/internal/availability"
	"github.com/hamed0406/sitewatch/internal/domain"
	"github.com/hamed0406/sitewatch/internal/notify"
	"github.com/hamed0406/sitewatch/internal/repo"
)

var ErrNotSubscribed = errors.New("email is not subscribed to this job")

const minURLLength = 5

// MonitorService owns the subscriber set of each job. Registration and
// removal are serialized so concurrent requests for the same URL cannot
// create two jobs.
type MonitorService struct {
	Logger   *zap.Logger
	Store    repo.StateStore
	Notifier notify.Notifier
	// BaseURL prefixes the links sent in welcome messages.
	BaseURL string
	Now     func() time.Time
	NewID   func() domain.JobID

	validate *validator.Validate
	mu       sync.Mutex
}

func New(logger *zap.Logger, store repo.StateStore, notifier notify.Notifier, baseURL string) *MonitorService {
	return &MonitorService{
		Logger:   logger,
		Store:    store,
		Notifier: notifier,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    func() domain.JobID { return domain.JobID(uuid.NewString()) },
		validate: validator.New(),
	}
}

// NormalizeURL trims raw and prefixes http:// unless it already has an
// http or https scheme.
func NormalizeURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if len(u) < minURLLength {
		return "", domain.ErrInvalidURL
	}
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		u = "http://" + u
	}
	return u, nil
}

func (s *MonitorService) validEmail(email string) bool {
	return email != "" && s.validate.Var(email, "required,email") == nil
}

// Register subscribes email to url, creating the job when the URL is not
// monitored yet. Registering the same pair twice is a no-op that returns
// the existing id.
func (s *MonitorService) Register(ctx context.Context, rawURL, email string) (domain.JobID, error) {
	email = strings.TrimSpace(email)
	if !s.validEmail(email) {
		return "", domain.ErrInvalidEmail
	}
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.Store.FindByURL(ctx, u)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		j := domain.NewJob(s.NewID(), u, email, s.Now())
		if err := s.Store.Save(ctx, &j); err != nil {
			return "", fmt.Errorf("save job: %w", err)
		}
		job = &j
		s.Logger.Info("job_created", zap.String("job_id", string(j.ID)), zap.String("url", u))
	case err != nil:
		return "", fmt.Errorf("find job: %w", err)
	case !job.HasSubscriber(email):
		next := job.WithSubscriber(email)
		if err := s.Store.Save(ctx, &next); err != nil {
			return "", fmt.Errorf("save job: %w", err)
		}
		job = &next
	}

	s.Logger.Info("subscriber_added",
		zap.String("job_id", string(job.ID)),
		zap.String("url", u),
		zap.String("email", email),
	)
	s.notify(ctx, email, "Congratulations we are monitoring your site!", s.welcomeBody(job.ID, u, email))
	return job.ID, nil
}

// Remove unsubscribes email from the job and deletes the job once it has
// no subscribers left.
func (s *MonitorService) Remove(ctx context.Context, id domain.JobID, email string) error {
	email = strings.TrimSpace(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.HasSubscriber(email) {
		return ErrNotSubscribed
	}

	next := job.WithoutSubscriber(email)
	if len(next.Subscribers) == 0 {
		if err := s.Store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		s.Logger.Info("job_deleted", zap.String("job_id", string(id)), zap.String("url", job.URL))
	} else if err := s.Store.Save(ctx, &next); err != nil {
		return fmt.Errorf("save job: %w", err)
	}

	s.Logger.Info("subscriber_removed", zap.String("job_id", string(id)), zap.String("email", email))
	body := fmt.Sprintf("Your submitted data!\nUrl : %s\nEmail : %s\n", job.URL, email)
	s.notify(ctx, email, "Your site is no longer monitored!", body)
	return nil
}

// StatusReport is the externally visible summary of a job.
type StatusReport struct {
	JobID   domain.JobID  `json:"id"`
	URL     string        `json:"url"`
	Status  domain.Status `json:"status"`
	Since   time.Time     `json:"since"`
	Minutes int           `json:"minutes"`
}

func (r StatusReport) String() string {
	return fmt.Sprintf("{url : %s, Status : %s, Since : %d minutes}", r.URL, r.Status, r.Minutes)
}

// Status reports the job's current status and the whole minutes spent in it.
func (s *MonitorService) Status(ctx context.Context, id domain.JobID) (StatusReport, error) {
	job, err := s.Store.Get(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	since := job.LastTransition()
	return StatusReport{
		JobID:   job.ID,
		URL:     job.URL,
		Status:  job.Status,
		Since:   since,
		Minutes: availability.MinutesBetween(since, s.Now()),
	}, nil
}

func (s *MonitorService) welcomeBody(id domain.JobID, u, email string) string {
	var b strings.Builder
	b.WriteString("Your submitted data!\n")
	fmt.Fprintf(&b, "Url : %s\n", u)
	fmt.Fprintf(&b, "Email : %s\n\n", email)
	fmt.Fprintf(&b, "Site status: %s/api/jobs/%s/status\n", s.BaseURL, id)
	fmt.Fprintf(&b, "Stop monitoring (DELETE): %s/api/jobs/%s/subscribers/%s\n", s.BaseURL, id, url.PathEscape(email))
	return b.String()
}

func (s *MonitorService) notify(ctx context.Context, to, subject, body string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Send(ctx, to, subject, body); err != nil {
		s.Logger.Warn("notify_error", zap.String("recipient", to), zap.String("subject", subject), zap.Error(err))
	}
}
