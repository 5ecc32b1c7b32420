package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/recurrence"
	"triggerd/internal/storage"
	"triggerd/internal/workflow"
	logx "triggerd/pkg/logx"
)

type fakeRunner struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeRunner) Invoke(_ context.Context, templateID string, _ workflow.Period) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, templateID)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("run-%d", len(f.calls)), nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestPoller(store storage.Store, runner workflow.Runner, bus eventbus.Bus, s Settings, clk *testClock) *Poller {
	p := NewPoller(store, runner, bus, func() Settings { return s }, logx.Nop())
	p.now = clk.now
	return p
}

func saveDaily(t *testing.T, store storage.Store, templateID, runTime string) {
	t.Helper()
	_, err := store.SaveScheduleConfig(context.Background(), storage.ScheduleConfig{
		TemplateID: templateID,
		Enabled:    true,
		Rule:       recurrence.Rule{Kind: recurrence.KindDaily, RunTime: runTime},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func auditRows(t *testing.T, store storage.Store) []storage.AuditRecord {
	t.Helper()
	recs, err := store.ListAudit(context.Background(), storage.AuditQuery{Source: storage.SourceScheduler, Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestTickFiresSlotExactlyOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	runner := &fakeRunner{}
	clk := &testClock{t: time.Date(2026, 2, 3, 9, 46, 0, 0, time.UTC)}
	p := newTestPoller(store, runner, nil, Settings{PollInterval: time.Minute, RetryMax: 1, RetryDelay: 5 * time.Minute}, clk)
	ctx := context.Background()

	saveDaily(t, store, "tpl", "09:45")

	p.tick(ctx)
	if runner.count() != 1 {
		t.Fatalf("runner invoked %d times after first tick, want 1", runner.count())
	}

	// Later ticks in the same day are silent: same slot key, receipt
	// already present, no new audit rows.
	clk.set(time.Date(2026, 2, 3, 9, 50, 0, 0, time.UTC))
	p.tick(ctx)
	clk.set(time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC))
	p.tick(ctx)

	if runner.count() != 1 {
		t.Fatalf("runner invoked %d times, want 1", runner.count())
	}
	recs := auditRows(t, store)
	if len(recs) != 1 || recs[0].Status != "started" {
		t.Fatalf("audit = %+v, want a single started row", recs)
	}

	// Next day mints a new slot key.
	clk.set(time.Date(2026, 2, 4, 9, 45, 30, 0, time.UTC))
	p.tick(ctx)
	if runner.count() != 2 {
		t.Fatalf("runner invoked %d times across two days, want 2", runner.count())
	}
}

func TestRestartDoesNotRefireCommittedSlot(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	runner := &fakeRunner{}
	clk := &testClock{t: time.Date(2026, 2, 3, 9, 46, 0, 0, time.UTC)}
	s := Settings{PollInterval: time.Minute, RetryMax: 1, RetryDelay: 5 * time.Minute}
	ctx := context.Background()

	saveDaily(t, store, "tpl", "09:45")
	newTestPoller(store, runner, nil, s, clk).tick(ctx)

	// A fresh poller over the same store simulates a process restart.
	clk.set(clk.now().Add(time.Minute))
	newTestPoller(store, runner, nil, s, clk).tick(ctx)

	if runner.count() != 1 {
		t.Fatalf("runner invoked %d times across restart, want 1", runner.count())
	}
}

func TestRetryOnceThenExhausted(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	runner := &fakeRunner{}
	runner.setErr(errors.New("runner unreachable"))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	clk := &testClock{t: time.Date(2026, 2, 3, 9, 46, 0, 0, time.UTC)}
	s := Settings{PollInterval: time.Minute, RetryMax: 1, RetryDelay: 5 * time.Minute}
	p := newTestPoller(store, runner, bus, s, clk)
	ctx := context.Background()

	saveDaily(t, store, "tpl", "09:45")

	// Initial invocation fails and arms a retry.
	p.tick(ctx)
	if runner.count() != 1 {
		t.Fatalf("initial invocations = %d, want 1", runner.count())
	}
	recs := auditRows(t, store)
	if len(recs) != 1 || recs[0].Status != "deferred" {
		t.Fatalf("after initial failure audit = %+v, want one deferred row", recs)
	}

	// Before the delay elapses nothing happens.
	clk.set(clk.now().Add(time.Minute))
	p.tick(ctx)
	if runner.count() != 1 {
		t.Fatalf("retried before the delay elapsed")
	}

	// After the delay the single retry runs, fails, and the slot is
	// terminally exhausted.
	clk.set(clk.now().Add(10 * time.Minute))
	p.tick(ctx)
	if runner.count() != 2 {
		t.Fatalf("invocations = %d, want 2 (initial + one retry)", runner.count())
	}

	recs = auditRows(t, store)
	if recs[0].Status != "failed" || recs[0].ReasonCode != "retry_exhausted" {
		t.Fatalf("latest audit = %+v, want failed/retry_exhausted", recs[0])
	}
	select {
	case e := <-events:
		if e.Type != "slot.retry_exhausted" {
			t.Fatalf("bus event type = %q", e.Type)
		}
	default:
		t.Fatal("no exhaustion event published")
	}

	// Exhausted states never run again.
	clk.set(clk.now().Add(time.Hour))
	p.tick(ctx)
	if runner.count() != 2 {
		t.Fatalf("invocations = %d after exhaustion, want 2", runner.count())
	}
}

func TestRetrySucceedsAndClearsState(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	runner := &fakeRunner{}
	runner.setErr(errors.New("transient"))
	clk := &testClock{t: time.Date(2026, 2, 3, 9, 46, 0, 0, time.UTC)}
	s := Settings{PollInterval: time.Minute, RetryMax: 3, RetryDelay: 5 * time.Minute}
	p := newTestPoller(store, runner, nil, s, clk)
	ctx := context.Background()

	saveDaily(t, store, "tpl", "09:45")
	p.tick(ctx)

	runner.setErr(nil)
	clk.set(clk.now().Add(6 * time.Minute))
	p.tick(ctx)

	if runner.count() != 2 {
		t.Fatalf("invocations = %d, want 2", runner.count())
	}
	recs := auditRows(t, store)
	if recs[0].Status != "started" {
		t.Fatalf("latest audit = %+v, want started", recs[0])
	}
	due, _ := store.ListDueRetryStates(ctx, clk.now().Add(24*time.Hour))
	if len(due) != 0 {
		t.Fatalf("retry state survived a successful retry: %+v", due)
	}
}

// racedStore reports the slot as unfired so the poller reaches the
// commit, which then loses to the receipt already on disk.
type racedStore struct {
	storage.Store
}

func (racedStore) GetSlotReceipt(context.Context, string, string) (storage.SlotReceipt, bool, error) {
	return storage.SlotReceipt{}, false, nil
}

func TestLostCommitAuditedAsDuplicateSkip(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	runner := &fakeRunner{}
	clk := &testClock{t: time.Date(2026, 2, 3, 9, 46, 0, 0, time.UTC)}
	s := Settings{RetryMax: 1, RetryDelay: time.Minute}
	ctx := context.Background()

	saveDaily(t, mem, "tpl", "09:45")
	newTestPoller(mem, runner, nil, s, clk).tick(ctx)

	// Same slot, but this poller's receipt lookup races the first firing.
	newTestPoller(racedStore{mem}, runner, nil, s, clk).tick(ctx)

	if runner.count() != 1 {
		t.Fatalf("runner invoked %d times, want 1 (loser must not invoke)", runner.count())
	}
	recs := auditRows(t, mem)
	if len(recs) != 2 {
		t.Fatalf("audit = %+v, want started plus one skip", recs)
	}
	if recs[0].Status != storage.SlotSkippedDuplicate || !recs[0].Duplicate {
		t.Fatalf("latest audit = %+v, want %s", recs[0], storage.SlotSkippedDuplicate)
	}
}

func TestRunConflictClassified(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	runner := &fakeRunner{}
	runner.setErr(fmt.Errorf("invoke: %w", workflow.ErrRunConflict))
	clk := &testClock{t: time.Date(2026, 2, 3, 9, 46, 0, 0, time.UTC)}
	p := newTestPoller(store, runner, nil, Settings{RetryMax: 1, RetryDelay: time.Minute}, clk)

	saveDaily(t, store, "tpl", "09:45")
	p.tick(context.Background())

	recs := auditRows(t, store)
	if recs[0].ReasonClass != "run_conflict" {
		t.Fatalf("reason class = %q, want run_conflict", recs[0].ReasonClass)
	}
}

func TestLeaseBlocksSecondPoller(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	runner := &fakeRunner{}
	clk := &testClock{t: time.Date(2026, 2, 3, 9, 46, 0, 0, time.UTC)}
	s := Settings{LeaseTTL: 2 * time.Minute, RetryMax: 1, RetryDelay: time.Minute}
	ctx := context.Background()

	saveDaily(t, store, "tpl", "09:45")

	a := newTestPoller(store, runner, nil, s, clk)
	b := newTestPoller(store, runner, nil, s, clk)
	b.holder = "other-node"

	a.tick(ctx)
	b.tick(ctx) // lease held by a, b must skip

	if runner.count() != 1 {
		t.Fatalf("invocations = %d, want 1 (second poller blocked by lease)", runner.count())
	}

	// Once a's heartbeat goes stale, b reclaims and works.
	clk.set(clk.now().Add(10 * time.Minute))
	saveDaily(t, store, "tpl2", "09:45")
	b.tick(ctx)
	if runner.count() < 2 {
		t.Fatal("second poller did not reclaim the stale lease")
	}
}

func TestDisabledConfigNeverFires(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	runner := &fakeRunner{}
	clk := &testClock{t: time.Date(2026, 2, 3, 9, 46, 0, 0, time.UTC)}
	p := newTestPoller(store, runner, nil, Settings{}, clk)
	ctx := context.Background()

	_, err := store.SaveScheduleConfig(ctx, storage.ScheduleConfig{
		TemplateID: "tpl",
		Enabled:    false,
		Rule:       recurrence.Rule{Kind: recurrence.KindDaily, RunTime: "09:45"},
	})
	if err != nil {
		t.Fatal(err)
	}

	p.tick(ctx)
	if runner.count() != 0 {
		t.Fatalf("disabled config fired %d times", runner.count())
	}
}
