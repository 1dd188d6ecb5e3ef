package probe

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hamed0406/sitewatch/internal/domain"
)

const maxDrainBytes = 64 << 10

type HTTPChecker struct {
	Client    *http.Client
	UserAgent string
	Now       func() time.Time
}

func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChecker{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "sitewatch/1.0",
		Now:       time.Now,
	}
}

// Probe issues a GET and reports the status code. Redirects are followed by
// the client, so the code is the one of the final response.
func (h *HTTPChecker) Probe(ctx context.Context, target string) domain.ProbeOutcome {
	start := time.Now()
	out := domain.ProbeOutcome{At: h.now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		out.Class = domain.ClassProtocol
		out.Diagnostic = err.Error()
		return out
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	resp, err := h.Client.Do(req)
	out.LatencyMS = time.Since(start).Seconds() * 1000
	if err != nil {
		out.Class = Classify(err)
		out.Diagnostic = err.Error()
		return out
	}
	defer resp.Body.Close()
	// let the transport reuse the connection
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	out.Code = resp.StatusCode
	out.Diagnostic = resp.Status
	return out
}

func (h *HTTPChecker) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}
