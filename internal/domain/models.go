package domain

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrInvalidURL   = errors.New("invalid url")
	ErrInvalidEmail = errors.New("invalid email")
)

type JobID string

// Status is the externally visible availability of a job.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Job is a monitored URL plus its subscribers and current availability state.
// Notified is only ever true while LastUp is false.
type Job struct {
	ID          JobID     `json:"id"`
	URL         string    `json:"url"`
	Subscribers []string  `json:"subscribers"`
	Status      Status    `json:"status"`
	LastUp      bool      `json:"last_up"`
	Notified    bool      `json:"notified"`
	UpSince     time.Time `json:"up_since"`
	DownSince   time.Time `json:"down_since,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewJob returns a job that is considered up since now.
func NewJob(id JobID, url, subscriber string, now time.Time) Job {
	return Job{
		ID:          id,
		URL:         url,
		Subscribers: []string{subscriber},
		Status:      StatusUp,
		LastUp:      true,
		UpSince:     now,
		CreatedAt:   now,
	}
}

// Clone returns a copy that shares no memory with j.
func (j Job) Clone() Job {
	j.Subscribers = slices.Clone(j.Subscribers)
	return j
}

func (j Job) HasSubscriber(email string) bool {
	return slices.Contains(j.Subscribers, email)
}

// WithSubscriber returns a copy of j with email appended, unless already present.
func (j Job) WithSubscriber(email string) Job {
	out := j.Clone()
	if !out.HasSubscriber(email) {
		out.Subscribers = append(out.Subscribers, email)
	}
	return out
}

// WithoutSubscriber returns a copy of j with every occurrence of email removed.
func (j Job) WithoutSubscriber(email string) Job {
	out := j.Clone()
	out.Subscribers = slices.DeleteFunc(out.Subscribers, func(s string) bool { return s == email })
	return out
}

// LastTransition is the moment the job entered its current status.
func (j Job) LastTransition() time.Time {
	if j.Status == StatusDown {
		return j.DownSince
	}
	return j.UpSince
}

// DownIncident is one continuous interval during which a job was observed down.
type DownIncident struct {
	ID        int64      `json:"id"`
	JobID     JobID      `json:"job_id"`
	Active    bool       `json:"active"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

// IncidentChange tells the store what to do with the job's down incident
// as part of a transition.
type IncidentChange int

const (
	IncidentNone IncidentChange = iota
	IncidentOpen
	IncidentClose
)

func (c IncidentChange) String() string {
	switch c {
	case IncidentOpen:
		return "open"
	case IncidentClose:
		return "close"
	default:
		return "none"
	}
}

// Transition is an availability state change persisted as one unit.
type Transition struct {
	Job      Job
	Incident IncidentChange
	At       time.Time
}

// Delivery records one notification send attempt.
type Delivery struct {
	ID        int64     `json:"id"`
	JobID     JobID     `json:"job_id"`
	Kind      string    `json:"kind"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}
