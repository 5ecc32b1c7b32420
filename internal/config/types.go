package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	HTTP    HTTPConfig    `json:"http"`

	// Runner points at the external workflow runner API.
	Runner RunnerConfig `json:"runner"`

	// Scheduler controls the time-based trigger poller.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Events controls the external workflow-event receiver.
	Events EventsConfig `json:"events"`

	// RetryQueue controls backoff redelivery of recoverable event failures.
	RetryQueue RetryQueueConfig `json:"retry_queue"`

	// Notifier controls outbound alerting on terminal failures.
	// If the whole section is omitted, the notifier stays disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Templates declares the workflow templates this instance can trigger.
	Templates []TemplateConfig `json:"templates"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-process store (tests, dry runs)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RunnerConfig locates the workflow runner service. Runs are started
// there; this process only triggers them. With an empty URL every
// invocation fails as an infra error, which is useful for dry runs but
// not much else.
type RunnerConfig struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"` // default "30s"
}

type HTTPConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:8090"

	// Shared secret expected on POST /workflow-events.
	// Empty means the check is skipped.
	EventToken string `json:"event_token,omitempty"`

	// RatePerSec caps accepted workflow-event requests. 0 disables the cap.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the time-based trigger poller.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// RetryDelay and RetryMax are read fresh on every evaluation so operators
// can retune a live instance through config reload.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"` // default "30s"

	// RetryMax is the number of automatic retries after a failed slot
	// activation. Default 1.
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"` // default "5m"

	// LeaseTTL bounds how long a crashed poller blocks the scheduler lease.
	LeaseTTL string `json:"lease_ttl,omitempty"` // default "2m"

	Timezone string `json:"timezone,omitempty"`
}

// EventsConfig controls external event ingestion and its dedup registry.
type EventsConfig struct {
	// ReceiptTTL is how long an idempotency receipt suppresses replays.
	ReceiptTTL string `json:"receipt_ttl,omitempty"` // default "2160h" (90 days)

	// ReceiptMax caps stored receipts; the oldest is evicted first.
	ReceiptMax int `json:"receipt_max,omitempty"` // default 1000
}

// RetryQueueConfig controls the event retry queue and its drain worker.
type RetryQueueConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3
	BaseDelay   string `json:"base_delay,omitempty"`   // default "1m"
	MaxDelay    string `json:"max_delay,omitempty"`    // default "30m"

	// TerminalTTL prunes resolved/escalated jobs after this long.
	TerminalTTL string `json:"terminal_ttl,omitempty"` // default "168h" (7 days)

	// MaxSize rejects new jobs when the queue holds this many pending entries.
	MaxSize int `json:"max_size,omitempty"` // default 500

	DrainEnabled  *bool  `json:"drain_enabled,omitempty"`  // default true
	DrainInterval string `json:"drain_interval,omitempty"` // default "1m"

	// ClaimTTL is how long a claimed job may sit unprocessed (claimant
	// crashed) before a drain pass returns it to pending.
	ClaimTTL string `json:"claim_ttl,omitempty"` // default "15m"
}

// NotifierConfig controls the async alerting pipeline.
//
// All durations are Go duration strings.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`

	// WebhookURL receives JSON alert payloads when set.
	WebhookURL string `json:"webhook_url,omitempty"`

	// Telegram delivers alerts to a chat when both fields are set.
	Telegram *TelegramNotifyConfig `json:"telegram,omitempty"`
}

type TelegramNotifyConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// TemplateConfig declares a workflow template known to this instance.
//
// The runner owns the template's steps; triggerd only needs the first
// step's action (for the execution allow-list) and whether the template
// is event-triggered.
type TemplateConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	EventName string `json:"event_name,omitempty"`

	// FirstStepAction is matched against the execution allow-list before
	// any event-driven invocation.
	FirstStepAction string `json:"first_step_action"`

	// EventTriggered marks templates eligible for POST /workflow-events.
	EventTriggered bool `json:"event_triggered"`
}

// UnmarshalJSON disallows unknown fields so typos in template blocks are
// caught during config reload instead of being silently ignored.
func (t *TemplateConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		ID              string `json:"id"`
		Name            string `json:"name,omitempty"`
		EventName       string `json:"event_name,omitempty"`
		FirstStepAction string `json:"first_step_action"`
		EventTriggered  bool   `json:"event_triggered"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var v tmp
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*t = TemplateConfig{ID: v.ID, Name: v.Name, EventName: v.EventName, FirstStepAction: v.FirstStepAction, EventTriggered: v.EventTriggered}
	return nil
}
