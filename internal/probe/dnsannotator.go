package probe

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/hamed0406/sitewatch/internal/domain"
)

// DNSAnnotator adds a DNS classification to undetermined outcomes so the
// down message tells a dead name apart from a dead server.
type DNSAnnotator struct {
	Inner    Prober
	Resolver Resolver
	Logger   *zap.Logger
}

func (d *DNSAnnotator) Probe(ctx context.Context, target string) domain.ProbeOutcome {
	out := d.Inner.Probe(ctx, target)
	if !out.Undetermined() {
		return out
	}
	dns := CheckDNS(context.WithoutCancel(ctx), d.Resolver, extractHost(target))
	if d.Logger != nil {
		d.Logger.Info("dns_check",
			zap.String("domain", dns.Domain),
			zap.String("class", dns.Class),
			zap.Bool("has_a_or_aaaa", dns.HasAOrAAAA),
			zap.Strings("nameservers", dns.Nameservers),
			zap.String("cname", dns.CNAME),
			zap.String("resolver_error", dns.ResolverError),
		)
	}
	out.Diagnostic = fmt.Sprintf("%s dns=%s", out.Diagnostic, dns.Class)
	return out
}

func extractHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
