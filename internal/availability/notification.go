package availability

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hamed0406/sitewatch/internal/domain"
)

// Kind identifies the reason a notification was produced.
type Kind string

const (
	KindDown     Kind = "down"
	KindRecovery Kind = "recovery"
	KindAdmin    Kind = "admin"
)

// Notification is an intent to deliver one message to a set of recipients.
type Notification struct {
	Kind       Kind
	JobID      domain.JobID
	Recipients []string
	Subject    string
	Body       string
}

const timeLayout = time.RFC1123

func recoveryNotification(job domain.Job, minutesDown int) Notification {
	return Notification{
		Kind:       KindRecovery,
		JobID:      job.ID,
		Recipients: slices.Clone(job.Subscribers),
		Subject:    job.URL + " is Up!",
		Body:       fmt.Sprintf("%s is Up after %d mins of downtime!", job.URL, minutesDown),
	}
}

func downNotification(job domain.Job, o domain.ProbeOutcome) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", job.URL)
	b.WriteString("Status: Down!\n")
	fmt.Fprintf(&b, "Response: %s\n", o.Raw())
	fmt.Fprintf(&b, "Detection Time: %s", job.DownSince.UTC().Format(timeLayout))
	return Notification{
		Kind:       KindDown,
		JobID:      job.ID,
		Recipients: slices.Clone(job.Subscribers),
		Subject:    job.URL + " is Down!",
		Body:       b.String(),
	}
}

func adminNotification(job domain.Job, o domain.ProbeOutcome, admin string) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "%s returned a suppressed response.\n", job.URL)
	fmt.Fprintf(&b, "Response Code: %d\n", o.Code)
	fmt.Fprintf(&b, "Detection Time: %s\n", o.At.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "Owners: %s", strings.Join(job.Subscribers, ", "))
	var to []string
	if admin != "" {
		to = []string{admin}
	}
	return Notification{
		Kind:       KindAdmin,
		JobID:      job.ID,
		Recipients: to,
		Subject:    fmt.Sprintf("%s answered %d", job.URL, o.Code),
		Body:       b.String(),
	}
}
