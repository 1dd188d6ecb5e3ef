package probe

import (
	"context"
	"time"

	"github.com/hamed0406/sitewatch/internal/domain"
)

// RetryChecker re-probes transport failures (code 0) before giving up.
// HTTP status codes are returned as-is: a 500 is an answer, not a glitch.
type RetryChecker struct {
	Inner    Prober
	Attempts int
	Backoff  time.Duration
}

func (r *RetryChecker) Probe(ctx context.Context, target string) domain.ProbeOutcome {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var last domain.ProbeOutcome
	for i := 0; i < attempts; i++ {
		last = r.Inner.Probe(ctx, target)
		if !last.Undetermined() {
			return last
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(r.Backoff):
		}
	}
	if attempts > 1 {
		last.Diagnostic += " (after retries)"
	}
	return last
}
