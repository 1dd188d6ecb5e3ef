package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func run(t *testing.T, api string, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--api", api, "--key", "pub_test"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestAdd_PromptsForMissingArgs(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/jobs" || r.Header.Get("X-API-Key") != "pub_test" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"J1"}`))
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "a@example.com\n", "add", "example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got["url"] != "example.com" || got["email"] != "a@example.com" {
		t.Fatalf("unexpected payload %v", got)
	}
	if !strings.Contains(out, "Job id: J1") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestStatus_FormatsReport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/J1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"url":"http://example.com","status":"DOWN","minutes":3}`))
	}))
	defer ts.Close()

	out, err := run(t, ts.URL, "", "status", "J1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.TrimSpace(out) != "{url : http://example.com, Status : DOWN, Since : 3 minutes}" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRemove_SurfacesAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/jobs/J1/subscribers/a@example.com" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"job not found"}`))
	}))
	defer ts.Close()

	_, err := run(t, ts.URL, "", "remove", "J1", "a@example.com")
	if err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Fatalf("want API error, got %v", err)
	}
}
