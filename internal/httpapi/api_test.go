package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"triggerd/internal/events"
	"triggerd/internal/retryq"
	"triggerd/internal/storage"
	"triggerd/internal/workflow"
	logx "triggerd/pkg/logx"
)

type scriptedRunner struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (r *scriptedRunner) Invoke(_ context.Context, _ string, _ workflow.Period) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("run-%d", r.calls), nil
}

type apiFixture struct {
	router *gin.Engine
	store  storage.Store
	runner *scriptedRunner
	token  string
	rate   int
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		store:  storage.NewMemory(),
		runner: &scriptedRunner{},
		rate:   1000,
	}
	registry := workflow.NewRegistry([]workflow.Template{{
		ID: "t-receipts", Name: "Receipts", EventName: "receipts.ready",
		FirstStepAction: "scrape_receipts", EventTriggered: true,
	}})
	qSettings := func() retryq.Settings {
		return retryq.Settings{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxSize: 10}
	}
	queue := retryq.NewQueue(f.store, qSettings)
	receiver := events.NewReceiver(registry, f.runner, f.store, queue, func() events.Settings {
		return events.Settings{ReceiptTTL: time.Hour, ReceiptMax: 100}
	}, logx.Nop())
	worker := retryq.NewWorker(f.store, receiver, nil, qSettings, logx.Nop())

	api := New(f.store, receiver, worker, func() Settings {
		return Settings{EventToken: f.token, RatePerSec: f.rate}
	}, logx.Nop())
	f.router = api.Router()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestScheduleStateRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/schedule-state?template_id=tpl", map[string]any{
		"enabled":         true,
		"recurrence_kind": "daily",
		"run_time":        "09:45",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("post status = %d body = %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/v1/schedule-state?template_id=tpl", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decode[map[string]any](t, w)
	if got["recurrence_kind"] != "daily" || got["run_time"] != "09:45" || got["enabled"] != true {
		t.Fatalf("projection = %v", got)
	}
	// Internal fields must never appear in the projection.
	if _, leaked := got["anchor_day"]; leaked {
		t.Fatal("anchor_day leaked into the public projection")
	}
	if _, leaked := got["revision"]; leaked {
		t.Fatal("revision leaked into the public projection")
	}
}

func TestScheduleStateMissingRunTimeRejected(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/schedule-state?template_id=tpl", map[string]any{
		"enabled":         true,
		"recurrence_kind": "daily",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing run_time", w.Code)
	}
}

func TestScheduleStateUnknownTemplate(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/schedule-state?template_id=ghost", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestPostEventTriggers(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/workflow-events", map[string]any{
		"event_name":      "receipts.ready",
		"idempotency_key": "evt-1",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	res := decode[events.Result](t, w)
	if !res.Triggered || res.RunID == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestPostEventDuplicate(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]any{"event_name": "receipts.ready", "idempotency_key": "evt-1"}

	first := decode[events.Result](t, f.do(t, http.MethodPost, "/api/v1/workflow-events", body, nil))
	w := f.do(t, http.MethodPost, "/api/v1/workflow-events", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	second := decode[events.Result](t, w)
	if !second.Duplicate || second.RunID != first.RunID {
		t.Fatalf("duplicate result = %+v, want original run id %q", second, first.RunID)
	}
}

func TestPostEventAuth(t *testing.T) {
	f := newAPIFixture(t)
	f.token = "s3cret"
	body := map[string]any{"event_name": "receipts.ready"}

	if w := f.do(t, http.MethodPost, "/api/v1/workflow-events", body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/workflow-events", body, map[string]string{"X-Event-Token": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/workflow-events", body, map[string]string{"X-Event-Token": "s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("good token: status = %d body = %s", w.Code, w.Body.String())
	}
	// Query parameter works too.
	if w := f.do(t, http.MethodPost, "/api/v1/workflow-events?token=s3cret", map[string]any{"event_name": "receipts.ready", "idempotency_key": "q"}, nil); w.Code != http.StatusOK {
		t.Fatalf("query token: status = %d", w.Code)
	}
}

func TestRateLimitEnforced(t *testing.T) {
	f := newAPIFixture(t)
	f.rate = 2

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		body := map[string]any{"event_name": "receipts.ready", "idempotency_key": fmt.Sprintf("evt-%d", i)}
		codes[f.do(t, http.MethodPost, "/api/v1/workflow-events", body, nil).Code]++
	}
	if codes[http.StatusTooManyRequests] == 0 {
		t.Fatalf("no request was rate limited: %v", codes)
	}
}

func TestRateLimitZeroMeansUncapped(t *testing.T) {
	f := newAPIFixture(t)
	f.rate = 0

	for i := 0; i < 50; i++ {
		body := map[string]any{"event_name": "receipts.ready", "idempotency_key": fmt.Sprintf("evt-%d", i)}
		if w := f.do(t, http.MethodPost, "/api/v1/workflow-events", body, nil); w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d rate limited with the cap disabled", i)
		}
	}
}

func TestPostEventConflictQueued(t *testing.T) {
	f := newAPIFixture(t)
	f.runner.err = fmt.Errorf("invoke: %w", workflow.ErrRunConflict)

	w := f.do(t, http.MethodPost, "/api/v1/workflow-events", map[string]any{"event_name": "receipts.ready"}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for queued retry", w.Code)
	}
	res := decode[events.Result](t, w)
	if res.Status != events.StatusQueued || res.JobID == "" {
		t.Fatalf("result = %+v", res)
	}

	jobs := decode[map[string][]retryJobView](t, f.do(t, http.MethodGet, "/api/v1/workflow-events/retry-jobs", nil, nil))
	if len(jobs["jobs"]) != 1 || jobs["jobs"][0].Status != storage.JobPending {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestDrainEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.runner.err = errors.New("runner down")
	f.do(t, http.MethodPost, "/api/v1/workflow-events", map[string]any{"event_name": "receipts.ready", "idempotency_key": "evt-1"}, nil)

	// Runner recovers; the job becomes due after its millisecond delay.
	f.runner.mu.Lock()
	f.runner.err = nil
	f.runner.mu.Unlock()
	time.Sleep(5 * time.Millisecond)

	w := f.do(t, http.MethodPost, "/api/v1/workflow-events/retry-jobs/drain", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("drain status = %d body = %s", w.Code, w.Body.String())
	}
	out := decode[map[string]int](t, w)
	if out["processed"] != 1 {
		t.Fatalf("processed = %d, want 1", out["processed"])
	}

	jobs := decode[map[string][]retryJobView](t, f.do(t, http.MethodGet, "/api/v1/workflow-events/retry-jobs", nil, nil))
	if jobs["jobs"][0].Status != storage.JobResolved {
		t.Fatalf("job = %+v, want resolved", jobs["jobs"][0])
	}
}

func TestSummaryAggregates(t *testing.T) {
	f := newAPIFixture(t)

	f.do(t, http.MethodPost, "/api/v1/workflow-events", map[string]any{"event_name": "receipts.ready", "idempotency_key": "evt-1"}, nil)
	f.do(t, http.MethodPost, "/api/v1/workflow-events", map[string]any{"event_name": "receipts.ready", "idempotency_key": "evt-1"}, nil)
	f.do(t, http.MethodPost, "/api/v1/workflow-events", map[string]any{"event_name": "nope"}, nil)

	w := f.do(t, http.MethodGet, "/api/v1/workflow-events/summary?recent_limit=2", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	sum := decode[summaryResponse](t, w)
	if sum.Total != 3 || sum.Duplicates != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.ByStatus["triggered"] != 1 || sum.ByStatus["duplicate"] != 1 || sum.ByStatus["rejected"] != 1 {
		t.Fatalf("by_status = %v", sum.ByStatus)
	}
	if sum.ByReasonClass["template_conflict"] != 1 {
		t.Fatalf("by_reason_class = %v", sum.ByReasonClass)
	}
	if len(sum.Recent) != 2 {
		t.Fatalf("recent = %d entries, want 2", len(sum.Recent))
	}
	// Most recent first.
	if sum.Recent[0].Status != "rejected" {
		t.Fatalf("recent[0] = %+v", sum.Recent[0])
	}
}

func TestSummaryBadPeriod(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/workflow-events/summary?period=febuary", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}
