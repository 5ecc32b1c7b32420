package retryq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/events"
	"triggerd/internal/storage"
	logx "triggerd/pkg/logx"
)

type fakeReplayer struct {
	mu    sync.Mutex
	res   events.Result
	calls int
	last  events.Request
}

func (f *fakeReplayer) Replay(_ context.Context, req events.Request) events.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	return f.res
}

func (f *fakeReplayer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeReplayer) set(res events.Result) {
	f.mu.Lock()
	f.res = res
	f.mu.Unlock()
}

type fixture struct {
	store    storage.Store
	queue    *Queue
	worker   *Worker
	replayer *fakeReplayer
	bus      eventbus.Bus
	clock    time.Time
	mu       sync.Mutex
}

func newFixture(s Settings) *fixture {
	f := &fixture{
		store:    storage.NewMemory(),
		replayer: &fakeReplayer{},
		bus:      eventbus.New(),
		clock:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	settings := func() Settings { return s }
	now := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.clock
	}
	f.queue = NewQueue(f.store, settings)
	f.queue.now = now
	f.worker = NewWorker(f.store, f.replayer, f.bus, settings, logx.Nop())
	f.worker.now = now
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.clock = f.clock.Add(d)
	f.mu.Unlock()
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func payload(t *testing.T, req events.Request) []byte {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func conflictResult() events.Result {
	return events.Result{
		Status:      events.StatusRejected,
		ReasonClass: events.ClassRunConflict,
		ReasonCode:  "run_in_progress",
		RetryAdvice: events.AdviceRetryWithBackoff,
	}
}

func TestDrainResolvesJob(t *testing.T) {
	t.Parallel()
	f := newFixture(Settings{MaxAttempts: 3, BaseDelay: time.Minute})
	ctx := context.Background()

	jobID, err := f.queue.Enqueue(ctx, payload(t, events.Request{TemplateID: "tpl", IdempotencyKey: "evt-1"}), events.ClassInfra, "runner_error")
	if err != nil {
		t.Fatal(err)
	}

	f.replayer.set(events.Result{Status: events.StatusTriggered, Triggered: true, RunID: "run-1"})
	f.advance(2 * time.Minute)
	n, err := f.worker.Drain(ctx)
	if err != nil || n != 1 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if f.replayer.last.IdempotencyKey != "evt-1" {
		t.Fatalf("replayed payload = %+v", f.replayer.last)
	}

	jobs, _ := f.store.ListRetryJobs(ctx, 10)
	if len(jobs) != 1 || jobs[0].JobID != jobID || jobs[0].Status != storage.JobResolved {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestDuplicateReplayResolves(t *testing.T) {
	t.Parallel()
	f := newFixture(Settings{MaxAttempts: 3, BaseDelay: time.Minute})
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, payload(t, events.Request{TemplateID: "tpl"}), events.ClassInfra, "runner_error"); err != nil {
		t.Fatal(err)
	}
	f.replayer.set(events.Result{Status: events.StatusDuplicate, Duplicate: true, RunID: "run-0"})
	f.advance(2 * time.Minute)
	if _, err := f.worker.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	jobs, _ := f.store.ListRetryJobs(ctx, 10)
	if jobs[0].Status != storage.JobResolved {
		t.Fatalf("job status = %q, want resolved", jobs[0].Status)
	}
}

func TestRunConflictEscalatesAtMaxAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(Settings{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour})
	ctx := context.Background()
	sub, unsub := f.bus.Subscribe(4)
	defer unsub()

	f.replayer.set(conflictResult())
	if _, err := f.queue.Enqueue(ctx, payload(t, events.Request{TemplateID: "tpl"}), events.ClassRunConflict, "run_in_progress"); err != nil {
		t.Fatal(err)
	}

	// Attempt 1: due after the base delay, defers with backoff.
	f.advance(time.Minute)
	if n, _ := f.worker.Drain(ctx); n != 1 {
		t.Fatalf("first drain processed %d", n)
	}
	jobs, _ := f.store.ListRetryJobs(ctx, 10)
	if jobs[0].Status != storage.JobPending || jobs[0].Attempts != 1 {
		t.Fatalf("after attempt 1: %+v", jobs[0])
	}

	// Not due yet: the next slot is one base delay away.
	f.advance(30 * time.Second)
	if n, _ := f.worker.Drain(ctx); n != 0 {
		t.Fatal("drained a job inside its backoff window")
	}

	// Attempt 2; its failure backs off by base*2.
	f.advance(time.Minute)
	if n, _ := f.worker.Drain(ctx); n != 1 {
		t.Fatal("second attempt did not run")
	}

	// Attempt 3 hits max_attempts and escalates.
	f.advance(5 * time.Minute)
	if n, _ := f.worker.Drain(ctx); n != 1 {
		t.Fatal("third attempt did not run")
	}
	jobs, _ = f.store.ListRetryJobs(ctx, 10)
	if jobs[0].Status != storage.JobEscalated || jobs[0].Attempts != 3 {
		t.Fatalf("after attempt 3: %+v", jobs[0])
	}
	select {
	case e := <-sub:
		if e.Type != "retryjob.escalated" {
			t.Fatalf("bus event = %q", e.Type)
		}
	default:
		t.Fatal("no escalation event published")
	}

	// Escalated is terminal: no fourth attempt ever.
	f.advance(24 * time.Hour)
	if n, _ := f.worker.Drain(ctx); n != 0 {
		t.Fatal("escalated job was drained again")
	}
	if f.replayer.count() != 3 {
		t.Fatalf("replay attempts = %d, want exactly 3", f.replayer.count())
	}
}

func TestAbandonedClaimRecoveredAndEscalated(t *testing.T) {
	t.Parallel()
	f := newFixture(Settings{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour, ClaimTTL: 15 * time.Minute})
	ctx := context.Background()

	f.replayer.set(conflictResult())
	jobID, err := f.queue.Enqueue(ctx, payload(t, events.Request{TemplateID: "tpl"}), events.ClassInfra, "runner_error")
	if err != nil {
		t.Fatal(err)
	}

	// A drain claims the job, then its process dies before replaying.
	f.advance(2 * time.Minute)
	if _, ok, err := f.store.ClaimRetryJob(ctx, jobID, f.now()); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Inside the claim TTL the stuck job stays invisible.
	f.advance(5 * time.Minute)
	if n, _ := f.worker.Drain(ctx); n != 0 {
		t.Fatal("claimed job drained before its claim went stale")
	}
	if f.replayer.count() != 0 {
		t.Fatal("replayed a job still under claim")
	}

	// Later drain passes reclaim the abandoned claim and process the job
	// again; persistent conflicts then walk it to escalation instead of
	// leaving it in retrying forever.
	for i := 0; i < 48; i++ {
		f.advance(time.Hour)
		if _, err := f.worker.Drain(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if f.replayer.count() != 3 {
		t.Fatalf("replay attempts = %d, want 3", f.replayer.count())
	}
	jobs, _ := f.store.ListRetryJobs(ctx, 10)
	if len(jobs) != 1 || jobs[0].Status != storage.JobEscalated {
		t.Fatalf("jobs = %+v, want a single escalated job", jobs)
	}
}

func TestNonRetryableReplayEscalates(t *testing.T) {
	t.Parallel()
	f := newFixture(Settings{MaxAttempts: 3, BaseDelay: time.Minute})
	ctx := context.Background()

	f.replayer.set(events.Result{
		Status:      events.StatusRejected,
		ReasonClass: events.ClassTemplateConflict,
		ReasonCode:  "unknown_template",
		RetryAdvice: events.AdviceRetryAfterFix,
	})
	if _, err := f.queue.Enqueue(ctx, payload(t, events.Request{TemplateID: "gone"}), events.ClassInfra, "runner_error"); err != nil {
		t.Fatal(err)
	}

	f.advance(2 * time.Minute)
	if _, err := f.worker.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	jobs, _ := f.store.ListRetryJobs(ctx, 10)
	if jobs[0].Status != storage.JobEscalated {
		t.Fatalf("job = %+v, want escalated without further attempts", jobs[0])
	}
	if f.replayer.count() != 1 {
		t.Fatalf("replay attempts = %d, want 1", f.replayer.count())
	}
}

func TestUnreadablePayloadEscalates(t *testing.T) {
	t.Parallel()
	f := newFixture(Settings{MaxAttempts: 3, BaseDelay: time.Minute})
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, []byte("{not json"), events.ClassInfra, "runner_error"); err != nil {
		t.Fatal(err)
	}
	f.advance(2 * time.Minute)
	if _, err := f.worker.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	jobs, _ := f.store.ListRetryJobs(ctx, 10)
	if jobs[0].Status != storage.JobEscalated {
		t.Fatalf("job = %+v", jobs[0])
	}
	if f.replayer.count() != 0 {
		t.Fatal("replayer called with an unreadable payload")
	}
}

func TestTerminalJobsPruned(t *testing.T) {
	t.Parallel()
	f := newFixture(Settings{MaxAttempts: 3, BaseDelay: time.Minute, TerminalTTL: time.Hour})
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, payload(t, events.Request{TemplateID: "tpl"}), events.ClassInfra, "runner_error"); err != nil {
		t.Fatal(err)
	}
	f.replayer.set(events.Result{Status: events.StatusTriggered, Triggered: true})
	f.advance(2 * time.Minute)
	if _, err := f.worker.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	// Resolved rows survive until the TTL passes, then a drain sweeps
	// them out.
	f.advance(30 * time.Minute)
	_, _ = f.worker.Drain(ctx)
	if jobs, _ := f.store.ListRetryJobs(ctx, 10); len(jobs) != 1 {
		t.Fatal("resolved job pruned before its TTL")
	}

	f.advance(2 * time.Hour)
	_, _ = f.worker.Drain(ctx)
	if jobs, _ := f.store.ListRetryJobs(ctx, 10); len(jobs) != 0 {
		t.Fatalf("jobs = %+v, want pruned", jobs)
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	s := Settings{BaseDelay: time.Minute, MaxDelay: 5 * time.Minute}
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoff(s, tc.attempts); got != tc.want {
			t.Errorf("backoff(attempts=%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestQueueFullSurfaced(t *testing.T) {
	t.Parallel()
	f := newFixture(Settings{MaxAttempts: 3, BaseDelay: time.Minute, MaxSize: 1})
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, payload(t, events.Request{}), events.ClassInfra, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(ctx, payload(t, events.Request{}), events.ClassInfra, "x"); err != storage.ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}
