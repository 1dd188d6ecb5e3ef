package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/hamed0406/sitewatch/internal/domain"
)

// Classify maps a transport error to an error class.
func Classify(err error) domain.ErrorClass {
	if err == nil {
		return domain.ClassNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return domain.ClassTimeout
		}
		return domain.ClassDNS
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return domain.ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.ClassTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return domain.ClassConnectionRefused
	}

	var (
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		certInvalid x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
		certVerify  *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &certInvalid),
		errors.As(err, &recordErr), errors.As(err, &certVerify):
		return domain.ClassTLS
	}

	var protoErr *http.ProtocolError
	if errors.As(err, &protoErr) || errors.Is(err, http.ErrSchemeMismatch) {
		return domain.ClassProtocol
	}
	return domain.ClassOther
}
