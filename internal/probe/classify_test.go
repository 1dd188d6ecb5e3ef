package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/hamed0406/sitewatch/internal/domain"
)

func TestClassify(t *testing.T) {
	wrap := func(err error) error { return &url.Error{Op: "Get", URL: "http://x", Err: err} }
	cases := []struct {
		name string
		err  error
		want domain.ErrorClass
	}{
		{"nil", nil, domain.ClassNone},
		{"deadline", wrap(context.DeadlineExceeded), domain.ClassTimeout},
		{"os deadline", wrap(os.ErrDeadlineExceeded), domain.ClassTimeout},
		{"dns", wrap(&net.DNSError{Err: "no such host", IsNotFound: true}), domain.ClassDNS},
		{"dns timeout", wrap(&net.DNSError{Err: "i/o timeout", IsTimeout: true}), domain.ClassTimeout},
		{"refused", wrap(&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}), domain.ClassConnectionRefused},
		{"other", wrap(errors.New("weird")), domain.ClassOther},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.err); got != c.want {
				t.Fatalf("Classify(%v)=%q want %q", c.err, got, c.want)
			}
		})
	}
	if got := Classify(fmt.Errorf("ctx: %w", context.DeadlineExceeded)); got != domain.ClassTimeout {
		t.Fatalf("wrapped deadline should be timeout, got %q", got)
	}
}
