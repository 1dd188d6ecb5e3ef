package domain

import (
	"strconv"
	"time"
)

// ErrorClass is the normalized reason a probe did not produce a status code.
type ErrorClass string

const (
	ClassNone              ErrorClass = ""
	ClassTimeout           ErrorClass = "timeout"
	ClassDNS               ErrorClass = "dns"
	ClassConnectionRefused ErrorClass = "connection_refused"
	ClassTLS               ErrorClass = "tls"
	ClassProtocol          ErrorClass = "protocol"
	ClassOther             ErrorClass = "other"
)

// ProbeOutcome is the result of one probe. Code is 0 when no HTTP status
// was obtained; Class and Diagnostic then describe the failure.
type ProbeOutcome struct {
	Code       int        `json:"code"`
	Class      ErrorClass `json:"class,omitempty"`
	Diagnostic string     `json:"diagnostic"`
	At         time.Time  `json:"at"`
	LatencyMS  float64    `json:"latency_ms"`
}

// Undetermined reports whether the probe failed before getting a status code.
func (o ProbeOutcome) Undetermined() bool { return o.Code == 0 }

// Raw is the diagnostic reported to people: the numeric code when there is
// one, otherwise the transport error text.
func (o ProbeOutcome) Raw() string {
	if o.Code != 0 {
		return strconv.Itoa(o.Code)
	}
	if o.Diagnostic == "" {
		return string(o.Class)
	}
	return o.Diagnostic
}
