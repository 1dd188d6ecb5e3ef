package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/sitewatch/internal/availability"
	"github.com/hamed0406/sitewatch/internal/domain"
	"github.com/hamed0406/sitewatch/internal/probe"
	"github.com/hamed0406/sitewatch/internal/repo/memory"
)

var t0 = time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)

// --- fakes ---

type scriptedProber struct {
	mu    sync.Mutex
	codes []int
	at    []time.Time
	i     int
}

func (p *scriptedProber) Probe(ctx context.Context, url string) domain.ProbeOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := domain.ProbeOutcome{Code: p.codes[p.i], At: p.at[p.i]}
	if o.Code == 0 {
		o.Class = domain.ClassConnectionRefused
		o.Diagnostic = "connection refused"
	}
	p.i++
	return o
}

type sentMsg struct {
	to, subject, body string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMsg
	fail map[string]bool
}

func (n *recordingNotifier) Send(ctx context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[to] {
		return errors.New("mailbox unavailable")
	}
	n.sent = append(n.sent, sentMsg{to, subject, body})
	return nil
}

func (n *recordingNotifier) messages() []sentMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMsg(nil), n.sent...)
}

type failingApply struct {
	*memory.Store
}

func (f failingApply) Apply(ctx context.Context, t domain.Transition) error {
	return errors.New("disk full")
}

func newTestJob(t *testing.T, st *memory.Store, subs ...string) domain.Job {
	t.Helper()
	j := domain.NewJob("J1", "http://example.com", subs[0], t0.Add(-time.Hour))
	for _, s := range subs[1:] {
		j = j.WithSubscriber(s)
	}
	if err := st.Save(context.Background(), &j); err != nil {
		t.Fatalf("save: %v", err)
	}
	return j
}

// markDown puts the job into the silent DOWN state reached after a first
// failure, with its incident open.
func markDown(t *testing.T, st *memory.Store, j domain.Job) {
	t.Helper()
	j.LastUp = false
	j.Status = domain.StatusDown
	j.DownSince = t0
	if err := st.Apply(context.Background(), domain.Transition{Job: j, Incident: domain.IncidentOpen, At: t0}); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

// --- tests ---

func TestRunner_DebounceScenario(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newTestJob(t, st, "a@example.com", "b@example.com")

	pr := &scriptedProber{
		codes: []int{200, 500, 500, 200},
		at:    []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute), t0.Add(8*time.Minute + 59*time.Second)},
	}
	nt := &recordingNotifier{}
	r := NewRunner(zap.NewNop(), st, pr, availability.NewEvaluator(""), nt, 4, time.Second)
	r.Deliveries = st

	// 200 while up: nothing
	rep, err := r.Run(ctx, "J1")
	if err != nil || rep.Changed || len(nt.messages()) != 0 {
		t.Fatalf("step 1: rep=%+v err=%v sent=%v", rep, err, nt.messages())
	}

	// first 500: down, silent
	if _, err := r.Run(ctx, "J1"); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	j, _ := st.Get(ctx, "J1")
	if j.LastUp || j.Notified || j.Status != domain.StatusDown || len(nt.messages()) != 0 {
		t.Fatalf("step 2: job=%+v sent=%v", j, nt.messages())
	}

	// second 500: one alert per subscriber
	if _, err := r.Run(ctx, "J1"); err != nil {
		t.Fatalf("step 3: %v", err)
	}
	msgs := nt.messages()
	if len(msgs) != 2 {
		t.Fatalf("step 3: want 2 alerts, got %v", msgs)
	}
	for _, m := range msgs {
		if m.subject != "http://example.com is Down!" || !strings.Contains(m.body, "Response: 500") {
			t.Fatalf("step 3: unexpected alert %+v", m)
		}
	}

	// 200: recovery after 7 whole minutes
	rep, err = r.Run(ctx, "J1")
	if err != nil || !rep.Changed {
		t.Fatalf("step 4: rep=%+v err=%v", rep, err)
	}
	msgs = nt.messages()[2:]
	if len(msgs) != 2 || !strings.Contains(msgs[0].body, "after 7 mins of downtime") {
		t.Fatalf("step 4: unexpected recovery %v", msgs)
	}

	j, _ = st.Get(ctx, "J1")
	if !j.LastUp || j.Notified || !j.UpSince.Equal(pr.at[3]) {
		t.Fatalf("final job state: %+v", j)
	}
	incs, _ := st.Incidents(ctx, "J1")
	if len(incs) != 1 || incs[0].Active || !incs[0].StartedAt.Equal(pr.at[1]) || !incs[0].EndedAt.Equal(pr.at[3]) {
		t.Fatalf("incidents: %+v", incs)
	}
	dels, _ := st.RecentDeliveries(ctx, 10)
	if len(dels) != 4 {
		t.Fatalf("want 4 recorded deliveries, got %d", len(dels))
	}
}

func TestRunner_InFlightSkipped(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newTestJob(t, st, "a@example.com")

	entered := make(chan struct{})
	unblock := make(chan struct{})
	pr := probe.ProberFunc(func(ctx context.Context, url string) domain.ProbeOutcome {
		close(entered)
		<-unblock
		return domain.ProbeOutcome{Code: 200, At: t0}
	})
	r := NewRunner(zap.NewNop(), st, pr, availability.NewEvaluator(""), &recordingNotifier{}, 4, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, "J1")
		done <- err
	}()
	<-entered

	if _, err := r.Run(ctx, "J1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("want ErrInFlight, got %v", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRunner_ApplyErrorSendsNothing(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	j := newTestJob(t, st, "a@example.com")
	markDown(t, st, j)

	pr := &scriptedProber{codes: []int{500}, at: []time.Time{t0.Add(time.Minute)}}
	nt := &recordingNotifier{}
	r := NewRunner(zap.NewNop(), failingApply{st}, pr, availability.NewEvaluator(""), nt, 1, time.Second)

	if _, err := r.Run(ctx, "J1"); err == nil {
		t.Fatal("expected apply error")
	}
	if len(nt.messages()) != 0 {
		t.Fatalf("no notification may be sent when persisting fails: %v", nt.messages())
	}
	got, _ := st.Get(ctx, "J1")
	if got.Notified {
		t.Fatal("state must be unchanged")
	}
}

func TestRunner_RecipientFailureIsolated(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	j := newTestJob(t, st, "a@example.com", "bad@example.com", "c@example.com")
	markDown(t, st, j)

	pr := &scriptedProber{codes: []int{0}, at: []time.Time{t0.Add(time.Minute)}}
	nt := &recordingNotifier{fail: map[string]bool{"bad@example.com": true}}
	r := NewRunner(zap.NewNop(), st, pr, availability.NewEvaluator(""), nt, 1, time.Second)
	r.Deliveries = st

	rep, err := r.Run(ctx, "J1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Sent != 2 || rep.Failed != 1 {
		t.Fatalf("want 2 sent / 1 failed, got %+v", rep)
	}
	if !strings.Contains(nt.messages()[0].body, "Response: connection refused") {
		t.Fatalf("alert should carry the raw diagnostic: %q", nt.messages()[0].body)
	}

	dels, _ := st.RecentDeliveries(ctx, 10)
	var failed int
	for _, d := range dels {
		if !d.OK {
			failed++
			if d.Recipient != "bad@example.com" || d.Error == "" {
				t.Fatalf("unexpected failed delivery %+v", d)
			}
		}
	}
	if len(dels) != 3 || failed != 1 {
		t.Fatalf("deliveries: %+v", dels)
	}

	got, _ := st.Get(ctx, "J1")
	if !got.Notified {
		t.Fatal("job should be marked notified")
	}
}

func TestRunner_SuppressedGoesToAdmin(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newTestJob(t, st, "a@example.com")

	pr := &scriptedProber{codes: []int{413, 413}, at: []time.Time{t0, t0.Add(time.Minute)}}
	users := &recordingNotifier{}
	admin := &recordingNotifier{}
	r := NewRunner(zap.NewNop(), st, pr, availability.NewEvaluator("ops@example.com"), users, 1, time.Second)
	r.AdminNotifier = admin

	rep, err := r.Run(ctx, "J1")
	if err != nil || rep.Changed || rep.Verdict != "suppressed" {
		t.Fatalf("rep=%+v err=%v", rep, err)
	}
	if len(users.messages()) != 0 {
		t.Fatal("subscribers must not hear about suppressed responses")
	}
	if m := admin.messages(); len(m) != 1 || m[0].to != "ops@example.com" || !strings.Contains(m[0].body, "a@example.com") {
		t.Fatalf("admin notice: %+v", m)
	}

	// without an operator address the admin channel still receives it
	r.Evaluator = availability.NewEvaluator("")
	if _, err := r.Run(ctx, "J1"); err != nil {
		t.Fatal(err)
	}
	if m := admin.messages(); len(m) != 2 || m[1].to != "" {
		t.Fatalf("admin notice without address: %+v", m)
	}
}

func TestRunner_MissingJob(t *testing.T) {
	r := NewRunner(zap.NewNop(), memory.New(), &scriptedProber{}, availability.NewEvaluator(""), &recordingNotifier{}, 1, time.Second)
	if _, err := r.Run(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestRunner_GlobalConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	for _, id := range []domain.JobID{"J1", "J2", "J3"} {
		j := domain.NewJob(id, "http://"+string(id)+".example.com", "a@example.com", t0)
		if err := st.Save(ctx, &j); err != nil {
			t.Fatal(err)
		}
	}

	var active, peak int32
	pr := probe.ProberFunc(func(ctx context.Context, url string) domain.ProbeOutcome {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return domain.ProbeOutcome{Code: 200, At: t0}
	})
	r := NewRunner(zap.NewNop(), st, pr, availability.NewEvaluator(""), &recordingNotifier{}, 1, time.Second)

	NewRechecker(zap.NewNop(), st, r, time.Minute).RunOnce(ctx)

	if peak != 1 {
		t.Fatalf("want at most 1 concurrent probe, saw %d", peak)
	}
}

// stalledNotifier never completes on its own; it only returns once the
// caller's context ends.
type stalledNotifier struct {
	calls   int32
	entered chan struct{}
	once    sync.Once
}

func (n *stalledNotifier) Send(ctx context.Context, to, subject, body string) error {
	atomic.AddInt32(&n.calls, 1)
	if n.entered != nil {
		n.once.Do(func() { close(n.entered) })
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunner_StalledNotifierIsBounded(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	j := newTestJob(t, st, "a@example.com", "b@example.com")
	markDown(t, st, j)

	pr := &scriptedProber{codes: []int{500, 200}, at: []time.Time{t0.Add(time.Minute), t0.Add(2 * time.Minute)}}
	nt := &stalledNotifier{}
	r := NewRunner(zap.NewNop(), st, pr, availability.NewEvaluator(""), nt, 1, time.Second)
	r.SendTimeout = 50 * time.Millisecond

	type result struct {
		rep Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := r.Run(ctx, "J1")
		done <- result{rep, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked on a stalled notifier")
	}
	if res.err != nil {
		t.Fatalf("run: %v", res.err)
	}
	if res.rep.Sent != 0 || res.rep.Failed != 2 {
		t.Fatalf("want 0 sent / 2 failed, got %+v", res.rep)
	}
	got, _ := st.Get(ctx, "J1")
	if !got.Notified {
		t.Fatal("transition must stay persisted when sends time out")
	}

	// the job is not left in flight
	if _, err := r.Run(ctx, "J1"); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestRunner_DeliveryDoesNotHoldSlot(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	j := newTestJob(t, st, "a@example.com")
	markDown(t, st, j)
	other := domain.NewJob("J2", "http://other.example.com", "c@example.com", t0)
	if err := st.Save(ctx, &other); err != nil {
		t.Fatal(err)
	}

	pr := &scriptedProber{codes: []int{500, 200}, at: []time.Time{t0.Add(time.Minute), t0.Add(time.Minute)}}
	nt := &stalledNotifier{entered: make(chan struct{})}
	r := NewRunner(zap.NewNop(), st, pr, availability.NewEvaluator(""), nt, 1, time.Second)
	r.SendTimeout = 10 * time.Second

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _, _ = r.Run(runCtx, "J1") }()

	select {
	case <-nt.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("J1 never reached delivery")
	}

	// J1 is still delivering; with a single slot J2 must not wait for it
	tctx, tcancel := context.WithTimeout(ctx, 2*time.Second)
	defer tcancel()
	rep, err := r.Run(tctx, "J2")
	if err != nil {
		t.Fatalf("J2 waited on J1's delivery: %v", err)
	}
	if rep.Verdict == "" {
		t.Fatalf("J2 not evaluated: %+v", rep)
	}
}
