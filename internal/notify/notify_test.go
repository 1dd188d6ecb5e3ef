package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSlack_OK(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		got = payload["text"]
		w.WriteHeader(200)
	}))
	defer ts.Close()

	s := NewSlack(ts.URL)
	if s == nil {
		t.Fatal("expected slack client")
	}
	if err := s.Send(context.Background(), "a@example.com", "Title", "Hello"); err != nil {
		t.Fatalf("send err: %v", err)
	}
	if !strings.HasPrefix(got, "*Title*\nHello") || !strings.Contains(got, "a@example.com") {
		t.Fatalf("payload not as expected: %q", got)
	}
}

func TestSlack_Non2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer ts.Close()

	s := NewSlack(ts.URL)
	if err := s.Send(context.Background(), "", "X", "Y"); err == nil {
		t.Fatalf("expected error on non-2xx")
	}
}

func TestSlack_Disabled(t *testing.T) {
	var s *Slack = NewSlack("")
	if err := s.Send(context.Background(), "", "X", "Y"); !errors.Is(err, ErrSlackDisabled) {
		t.Fatalf("want ErrSlackDisabled, got %v", err)
	}
}

func TestMulti_CombinesErrors(t *testing.T) {
	var calls int
	ok := NotifierFunc(func(context.Context, string, string, string) error { calls++; return nil })
	e1 := errors.New("first")
	e2 := errors.New("second")

	m := Multi{
		NotifierFunc(func(context.Context, string, string, string) error { calls++; return e1 }),
		nil,
		ok,
		NotifierFunc(func(context.Context, string, string, string) error { calls++; return e2 }),
	}
	err := m.Send(context.Background(), "a@example.com", "s", "b")
	if calls != 3 {
		t.Fatalf("every notifier must be called, got %d calls", calls)
	}
	errs := multierr.Errors(err)
	if len(errs) != 2 || !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("unexpected combined error: %v", err)
	}
}

type dialerFunc func(ctx context.Context, msgs ...*mail.Msg) error

func (f dialerFunc) DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error {
	return f(ctx, msgs...)
}

func TestMailer_Send(t *testing.T) {
	var got []*mail.Msg
	m := &Mailer{
		From: "monitor@example.com",
		Now:  func() time.Time { return time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC) },
		Client: dialerFunc(func(ctx context.Context, msgs ...*mail.Msg) error {
			got = msgs
			return nil
		}),
	}

	err := m.Send(context.Background(), "a@example.com", "http://example.com is Down!\r\nBcc: x", "line1\nline2")
	if err != nil {
		t.Fatalf("send err: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 message, got %d", len(got))
	}
	rcpts, err := got[0].GetRecipients()
	if err != nil || len(rcpts) != 1 || rcpts[0] != "a@example.com" {
		t.Fatalf("unexpected recipients %v (%v)", rcpts, err)
	}
	subj := got[0].GetGenHeader(mail.HeaderSubject)
	if len(subj) != 1 || subj[0] != "http://example.com is Down!  Bcc: x" {
		t.Fatalf("subject header not sanitised: %q", subj)
	}
	var buf bytes.Buffer
	if _, err := got[0].WriteTo(&buf); err != nil {
		t.Fatalf("write message: %v", err)
	}
	if strings.Contains(buf.String(), "\r\nBcc:") {
		t.Fatalf("injected header in message:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "line1") || !strings.Contains(buf.String(), "line2") {
		t.Fatalf("body missing:\n%s", buf.String())
	}
}

func TestMailer_Errors(t *testing.T) {
	boom := errors.New("relay refused")
	m := &Mailer{
		From:   "monitor@example.com",
		Client: dialerFunc(func(context.Context, ...*mail.Msg) error { return boom }),
	}

	if err := m.Send(context.Background(), "", "s", "b"); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("want ErrNoRecipient, got %v", err)
	}
	if err := m.Send(context.Background(), "a@example.com", "s", "b"); !errors.Is(err, boom) {
		t.Fatalf("want wrapped relay error, got %v", err)
	}
	if err := m.Send(context.Background(), "not an address", "s", "b"); err == nil {
		t.Fatal("want error for malformed recipient")
	}

	none, err := NewMailer("", 25, "", "", "", time.Second)
	if err != nil || none != nil {
		t.Fatalf("mailer without host should be nil, got %v (%v)", none, err)
	}
}

// A relay that accepts the connection and never sends its greeting must
// not hold the caller past its deadline.
func TestMailer_StalledRelayHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	port := ln.Addr().(*net.TCPAddr).Port
	m, err := NewMailer("127.0.0.1", port, "", "", "monitor@example.com", 10*time.Second)
	if err != nil {
		t.Fatalf("new mailer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = m.Send(ctx, "a@example.com", "s", "b")
	if err == nil {
		t.Fatal("want error from stalled relay")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Send returned %v after a 200ms deadline", elapsed)
	}
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := LogNotifier{Logger: zap.New(core)}

	if err := n.Send(context.Background(), "a@example.com", "subj", "body"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	entries := logs.FilterMessage("notification").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["recipient"] != "a@example.com" {
		t.Fatalf("recipient not logged: %v", entries[0].ContextMap())
	}
}
