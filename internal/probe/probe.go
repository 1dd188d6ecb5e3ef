package probe

import (
	"context"

	"github.com/hamed0406/sitewatch/internal/domain"
)

// Prober performs a single availability check of a URL.
//
// Implementations never fail: transport, DNS, TLS and timeout errors are
// reported through the outcome with Code 0 and an error class.
type Prober interface {
	Probe(ctx context.Context, url string) domain.ProbeOutcome
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, url string) domain.ProbeOutcome

func (f ProberFunc) Probe(ctx context.Context, url string) domain.ProbeOutcome { return f(ctx, url) }
