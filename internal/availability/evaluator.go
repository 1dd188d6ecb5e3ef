// Package availability decides, from one probe outcome and a job snapshot,
// how the job's availability state changes and who has to be told.
//
// A job goes DOWN on the first failed probe but subscribers are only alerted
// on the second consecutive failure. One alert is sent per incident, and one
// recovery message when the job comes back.
package availability

import (
	"time"

	"github.com/hamed0406/sitewatch/internal/domain"
)

// Verdict is how a probe outcome counts towards availability.
type Verdict int

const (
	Failure Verdict = iota
	Success
	Suppressed
)

const (
	codeUp         = 200
	codeSuppressed = 413
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case Suppressed:
		return "suppressed"
	default:
		return "failure"
	}
}

// Classify maps an outcome to a verdict. Undetermined outcomes (code 0) are
// plain failures.
func Classify(o domain.ProbeOutcome) Verdict {
	switch o.Code {
	case codeUp:
		return Success
	case codeSuppressed:
		return Suppressed
	default:
		return Failure
	}
}

// Decision is the result of one evaluation. Job is the next state; it equals
// the input when Changed is false.
type Decision struct {
	Verdict       Verdict
	Job           domain.Job
	Changed       bool
	Incident      domain.IncidentChange
	Notifications []Notification
}

// Transition returns what has to be persisted for this decision.
func (d Decision) Transition(at time.Time) domain.Transition {
	return domain.Transition{Job: d.Job, Incident: d.Incident, At: at}
}

// Evaluator is stateless. AdminRecipient receives notices about suppressed
// outcomes; when empty those notices have no recipients.
type Evaluator struct {
	AdminRecipient string
}

func NewEvaluator(adminRecipient string) Evaluator {
	return Evaluator{AdminRecipient: adminRecipient}
}

// Evaluate applies outcome to job. It never mutates its input; outcome.At is
// used as the current time.
func (e Evaluator) Evaluate(job domain.Job, outcome domain.ProbeOutcome) Decision {
	next := job.Clone()
	now := outcome.At
	d := Decision{Verdict: Classify(outcome), Job: next}

	switch d.Verdict {
	case Success:
		if job.LastUp {
			return d
		}
		next.LastUp = true
		next.Notified = false
		next.UpSince = now
		next.Status = domain.StatusUp
		d.Job = next
		d.Changed = true
		d.Incident = domain.IncidentClose
		d.Notifications = []Notification{recoveryNotification(next, MinutesBetween(job.DownSince, now))}

	case Suppressed:
		d.Notifications = []Notification{adminNotification(job, outcome, e.AdminRecipient)}

	case Failure:
		switch {
		case job.LastUp:
			next.LastUp = false
			next.Notified = false
			next.DownSince = now
			next.Status = domain.StatusDown
			d.Job = next
			d.Changed = true
			d.Incident = domain.IncidentOpen
		case !job.Notified:
			next.Notified = true
			d.Job = next
			d.Changed = true
			d.Notifications = []Notification{downNotification(next, outcome)}
		}
	}
	return d
}

// MinutesBetween returns whole minutes elapsed from from to to, floored.
// Negative spans (clock skew) and zero start times yield 0.
func MinutesBetween(from, to time.Time) int {
	if from.IsZero() || !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / time.Minute)
}
