package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hamed0406/sitewatch/internal/availability"
	"github.com/hamed0406/sitewatch/internal/domain"
	"github.com/hamed0406/sitewatch/internal/metrics"
	"github.com/hamed0406/sitewatch/internal/notify"
	"github.com/hamed0406/sitewatch/internal/probe"
	"github.com/hamed0406/sitewatch/internal/repo"
)

// ErrInFlight is returned when a job is already being evaluated. The
// trigger is dropped, not queued.
var ErrInFlight = errors.New("evaluation already in flight")

// Report summarises one evaluation cycle.
type Report struct {
	JobID   domain.JobID        `json:"job_id"`
	Outcome domain.ProbeOutcome `json:"outcome"`
	Verdict string              `json:"verdict"`
	Changed bool                `json:"changed"`
	Status  domain.Status       `json:"status"`
	Sent    int                 `json:"sent"`
	Failed  int                 `json:"failed"`
}

// DefaultSendTimeout applies when Runner.SendTimeout is not set.
const DefaultSendTimeout = 30 * time.Second

// Runner executes evaluation cycles: probe, evaluate, persist, notify.
type Runner struct {
	Logger    *zap.Logger
	Store     repo.StateStore
	Prober    probe.Prober
	Evaluator availability.Evaluator
	Notifier  notify.Notifier
	// AdminNotifier receives admin notices; Notifier is used when nil.
	AdminNotifier notify.Notifier
	// Deliveries is optional.
	Deliveries repo.DeliveryLog
	Timeout    time.Duration
	// SendTimeout bounds each Send so a stalled channel cannot keep the
	// job in flight.
	SendTimeout time.Duration
	Now         func() time.Time

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inflight map[domain.JobID]struct{}
}

func NewRunner(
	logger *zap.Logger,
	store repo.StateStore,
	prober probe.Prober,
	evaluator availability.Evaluator,
	notifier notify.Notifier,
	maxConcurrent int,
	timeout time.Duration,
) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{
		Logger:    logger,
		Store:     store,
		Prober:    prober,
		Evaluator: evaluator,
		Notifier:  notifier,
		Timeout:     timeout,
		SendTimeout: DefaultSendTimeout,
		Now:         func() time.Time { return time.Now().UTC() },
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		inflight:    make(map[domain.JobID]struct{}),
	}
}

func (r *Runner) claim(id domain.JobID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Runner) release(id domain.JobID) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// Run performs one evaluation cycle for the job. State is persisted before
// any notification goes out; if persisting fails nothing is sent and the
// next trigger starts again from the stored state. Notifications are sent
// after the concurrency slot is returned.
func (r *Runner) Run(ctx context.Context, id domain.JobID) (Report, error) {
	rep := Report{JobID: id}
	if !r.claim(id) {
		metrics.RecordSkipped()
		r.Logger.Debug("runner_skipped_in_flight", zap.String("job_id", string(id)))
		return rep, ErrInFlight
	}
	defer r.release(id)

	d, job, err := r.check(ctx, &rep)
	if err != nil {
		return rep, err
	}

	for _, n := range d.Notifications {
		sent, failed := r.deliver(ctx, n)
		rep.Sent += sent
		rep.Failed += failed
	}

	r.Logger.Debug("runner_checked",
		zap.String("job_id", string(id)),
		zap.String("url", job.URL),
		zap.Int("status", rep.Outcome.Code),
		zap.String("verdict", rep.Verdict),
		zap.Float64("latency_ms", rep.Outcome.LatencyMS),
		zap.String("reason", rep.Outcome.Diagnostic),
	)
	return rep, nil
}

// check loads, probes, evaluates and persists while holding a slot.
func (r *Runner) check(ctx context.Context, rep *Report) (availability.Decision, *domain.Job, error) {
	id := rep.JobID
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return availability.Decision{}, nil, err
	}
	defer r.sem.Release(1)

	job, err := r.Store.Get(ctx, id)
	if err != nil {
		metrics.RecordError("get")
		return availability.Decision{}, nil, fmt.Errorf("load job %s: %w", id, err)
	}

	outcome := r.probe(ctx, job.URL)
	rep.Outcome = outcome

	d := r.Evaluator.Evaluate(*job, outcome)
	rep.Verdict = d.Verdict.String()
	rep.Changed = d.Changed
	rep.Status = d.Job.Status
	metrics.RecordEvaluation(rep.Verdict)

	if !d.Changed {
		return d, job, nil
	}
	if err := r.Store.Apply(ctx, d.Transition(outcome.At)); err != nil {
		metrics.RecordError("apply")
		r.Logger.Warn("runner_apply_error",
			zap.String("job_id", string(id)),
			zap.String("url", job.URL),
			zap.Error(err),
		)
		return availability.Decision{}, nil, fmt.Errorf("apply transition for %s: %w", id, err)
	}
	metrics.RecordTransition(d.Incident.String())
	r.Logger.Info("job_transition",
		zap.String("job_id", string(id)),
		zap.String("url", job.URL),
		zap.String("status", string(d.Job.Status)),
		zap.Bool("notified", d.Job.Notified),
		zap.String("incident", d.Incident.String()),
	)
	return d, job, nil
}

func (r *Runner) probe(ctx context.Context, url string) domain.ProbeOutcome {
	pctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	start := time.Now()
	out := r.Prober.Probe(pctx, url)
	metrics.RecordProbe(string(out.Class), time.Since(start).Seconds())
	if out.At.IsZero() {
		out.At = r.Now()
	}
	return out
}

// deliver sends n to each recipient independently. A failed recipient is
// logged and recorded; it never stops the others.
func (r *Runner) deliver(ctx context.Context, n availability.Notification) (sent, failed int) {
	notifier := r.Notifier
	recipients := n.Recipients
	if n.Kind == availability.KindAdmin {
		if r.AdminNotifier != nil {
			notifier = r.AdminNotifier
		}
		if len(recipients) == 0 {
			// no operator address configured; channels without addressing still get it
			recipients = []string{""}
		}
	}

	for _, to := range recipients {
		err := r.send(ctx, notifier, to, n)
		metrics.RecordNotification(string(n.Kind), err == nil)
		if err != nil {
			failed++
			r.Logger.Warn("notify_error",
				zap.String("job_id", string(n.JobID)),
				zap.String("kind", string(n.Kind)),
				zap.String("recipient", to),
				zap.Error(err),
			)
		} else {
			sent++
		}
		r.record(ctx, n, to, err)
	}
	return sent, failed
}

func (r *Runner) send(ctx context.Context, notifier notify.Notifier, to string, n availability.Notification) error {
	timeout := r.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return notifier.Send(sctx, to, n.Subject, n.Body)
}

func (r *Runner) record(ctx context.Context, n availability.Notification, to string, sendErr error) {
	if r.Deliveries == nil {
		return
	}
	d := &domain.Delivery{
		JobID:     n.JobID,
		Kind:      string(n.Kind),
		Recipient: to,
		Subject:   n.Subject,
		OK:        sendErr == nil,
		SentAt:    r.Now(),
	}
	if sendErr != nil {
		d.Error = sendErr.Error()
	}
	if err := r.Deliveries.Record(ctx, d); err != nil {
		metrics.RecordError("record_delivery")
		r.Logger.Warn("delivery_record_error", zap.String("job_id", string(n.JobID)), zap.Error(err))
	}
}
