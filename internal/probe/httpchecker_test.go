package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hamed0406/sitewatch/internal/domain"
)

func TestHTTPChecker_StatusOK(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("want GET, got %s", r.Method)
		}
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer s.Close()

	chk := NewHTTPChecker(2 * time.Second)
	out := chk.Probe(context.Background(), s.URL)
	if out.Code != 200 {
		t.Fatalf("want status 200, got %+v", out)
	}
	if !strings.HasPrefix(out.Diagnostic, "200") {
		t.Fatalf("want diagnostic to start with 200, got %q", out.Diagnostic)
	}
	if out.LatencyMS < 0 || out.At.IsZero() {
		t.Fatalf("latency/timestamp not set: %+v", out)
	}
}

func TestHTTPChecker_Status413And500(t *testing.T) {
	for _, code := range []int{413, 500} {
		s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", code)
		}))
		out := NewHTTPChecker(2*time.Second).Probe(context.Background(), s.URL)
		s.Close()
		if out.Code != code || out.Class != domain.ClassNone {
			t.Fatalf("want code %d without class, got %+v", code, out)
		}
	}
}

func TestHTTPChecker_TimeoutSetsStatusZero(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
	}))
	defer s.Close()

	chk := NewHTTPChecker(50 * time.Millisecond)
	out := chk.Probe(context.Background(), s.URL)
	if out.Code != 0 {
		t.Fatalf("want status 0 on transport error, got %d", out.Code)
	}
	if out.Class != domain.ClassTimeout {
		t.Fatalf("want timeout class, got %q (%s)", out.Class, out.Diagnostic)
	}
	if out.Diagnostic == "" {
		t.Fatalf("want non-empty error message")
	}
}

func TestHTTPChecker_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	out := NewHTTPChecker(time.Second).Probe(context.Background(), "http://"+addr)
	if out.Code != 0 || out.Class != domain.ClassConnectionRefused {
		t.Fatalf("want connection_refused, got %+v", out)
	}
}

func TestHTTPChecker_BadURLNeverPanics(t *testing.T) {
	out := NewHTTPChecker(time.Second).Probe(context.Background(), "http://[::1")
	if out.Code != 0 || out.Class == domain.ClassNone {
		t.Fatalf("want classified failure, got %+v", out)
	}
}
