package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRunner invokes the remote workflow runner over its HTTP API.
//
// POST {base}/runs with {"template_id","year","month"}; the runner
// answers 200 {"run_id":"..."} or 409 when the template already has a
// run in progress for that period.
type HTTPRunner struct {
	url    string
	client *http.Client
}

func NewHTTPRunner(url string, timeout time.Duration) (*HTTPRunner, error) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return nil, errors.New("runner url is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRunner{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (r *HTTPRunner) Invoke(ctx context.Context, templateID string, period Period) (string, error) {
	body, err := json.Marshal(map[string]any{
		"template_id": templateID,
		"year":        period.Year,
		"month":       period.Month,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/runs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("runner: %w", err)
	}
	defer resp.Body.Close()

	// Cap the response read; the runner only ever sends a small object.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("runner: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return "", fmt.Errorf("runner: template %s period %s: %w", templateID, period, ErrRunConflict)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("runner: unexpected status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("runner: decode response: %w", err)
	}
	if out.RunID == "" {
		return "", errors.New("runner: response missing run_id")
	}
	return out.RunID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
