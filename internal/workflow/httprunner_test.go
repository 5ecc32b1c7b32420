package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPRunnerInvoke(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]string{"run_id": "run-42"})
	}))
	defer srv.Close()

	r, err := NewHTTPRunner(srv.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	runID, err := r.Invoke(context.Background(), "tpl-1", Period{Year: 2026, Month: 2})
	if err != nil {
		t.Fatal(err)
	}
	if runID != "run-42" {
		t.Fatalf("run id = %q", runID)
	}
	if got["template_id"] != "tpl-1" || got["year"] != float64(2026) || got["month"] != float64(2) {
		t.Fatalf("request body = %v", got)
	}
}

func TestHTTPRunnerConflict(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	r, err := NewHTTPRunner(srv.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Invoke(context.Background(), "tpl-1", Period{Year: 2026, Month: 2})
	if !errors.Is(err, ErrRunConflict) {
		t.Fatalf("err = %v, want ErrRunConflict", err)
	}
}

func TestHTTPRunnerServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, err := NewHTTPRunner(srv.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Invoke(context.Background(), "tpl-1", Period{Year: 2026, Month: 2}); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestHTTPRunnerEmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTPRunner("   ", time.Second); err == nil {
		t.Fatal("expected error for empty url")
	}
}
