package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"triggerd/internal/eventbus"
	logx "triggerd/pkg/logx"
)

type captureAdapter struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (c *captureAdapter) Name() string { return "capture" }

func (c *captureAdapter) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureAdapter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, []Adapter{ad}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Notify(ctx, Message{Title: "t", Text: "hello", Priority: 9}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return ad.count() == 1 })

	ad.mu.Lock()
	got := ad.sent[0]
	ad.mu.Unlock()
	if got.Text != "🚨 hello" {
		t.Fatalf("text = %q, want priority prefix applied", got.Text)
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, nil, logx.Nop())
	if err := s.Notify(context.Background(), Message{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop())
	if err := s.Notify(context.Background(), Message{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDedupWindowSuppresses(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100, DedupWindow: time.Minute}, []Adapter{ad}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	msg := Message{Title: "dup", Text: "same", Priority: 5}
	if err := s.Notify(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.Notify(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.Notify(ctx, Message{Title: "other", Text: "different", Priority: 5}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return ad.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if ad.count() != 2 {
		t.Fatalf("delivered %d messages, want 2 (duplicate suppressed)", ad.count())
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, []Adapter{ad}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	for i := 0; i < 5; i++ {
		if err := s.Notify(ctx, Message{Title: "t", Text: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	if ad.count() != 5 {
		t.Fatalf("delivered %d after Stop, want 5", ad.count())
	}
	if err := s.Notify(ctx, Message{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("post-stop err = %v, want ErrStopped", err)
	}
}

func TestWebhookAdapter(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	err := w.Send(context.Background(), Message{Title: "t", Text: "x", Priority: 7, At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if body["title"] != "t" || body["priority"] != float64(7) {
		t.Fatalf("posted body = %v", body)
	}
}

func TestWebhookAdapterErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).Send(context.Background(), Message{Text: "x"}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestBridgeForwardsEscalations(t *testing.T) {
	t.Parallel()
	ad := &captureAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, []Adapter{ad}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	bus := eventbus.New()
	go func() { _ = RunBridge(ctx, bus, s, logx.Nop()) }()
	time.Sleep(20 * time.Millisecond) // let the bridge subscribe

	bus.Publish(eventbus.Event{Type: "retryjob.escalated", Data: map[string]any{
		"job_id": "j1", "attempts": 3, "reason_class": "run_conflict", "reason_code": "run_in_progress",
	}})
	bus.Publish(eventbus.Event{Type: "notify.irrelevant"})
	bus.Publish(eventbus.Event{Type: "slot.retry_exhausted", Data: map[string]any{
		"template_id": "tpl", "slot_key": "k", "error": "boom",
	}})

	waitFor(t, func() bool { return ad.count() == 2 })
}

func TestMessageForMapping(t *testing.T) {
	t.Parallel()
	msg, ok := messageFor(eventbus.Event{Type: "retryjob.escalated", Data: map[string]any{"job_id": "j1"}})
	if !ok || msg.Priority != 9 {
		t.Fatalf("escalation mapping = %+v ok=%v", msg, ok)
	}
	if _, ok := messageFor(eventbus.Event{Type: "something.else"}); ok {
		t.Fatal("irrelevant event mapped to a message")
	}
}
