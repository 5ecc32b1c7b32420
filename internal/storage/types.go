package storage

import (
	"encoding/json"
	"errors"
	"time"

	"triggerd/internal/recurrence"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrQueueFull is returned by EnqueueRetryJob when the pending queue
	// has reached its configured cap.
	ErrQueueFull = errors.New("retry queue full")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-process store (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleConfig is a template's time-based trigger configuration.
//
// Rule.AnchorDay and Rule.Revision are internal projections: they are
// persisted and used for slot derivation but must never be serialized by
// the public read API.
type ScheduleConfig struct {
	TemplateID string
	Enabled    bool
	Rule       recurrence.Rule
	UpdatedAt  time.Time
}

// SlotReceipt marks a slot as fired. Immutable once written; at most one
// per (template_id, slot_key).
type SlotReceipt struct {
	TemplateID string
	SlotKey    string
	Status     string
	FiredAt    time.Time
}

// Slot outcomes. Only fired is ever stored in a receipt; a losing
// commit is recorded as a skipped_duplicate audit row.
const (
	SlotFired            = "fired"
	SlotSkippedDuplicate = "skipped_duplicate"
)

// RetryState tracks automatic retries of a failed time-based activation.
type RetryState struct {
	Signature  string // templateID|slotKey
	TemplateID string
	SlotKey    string
	SlotAt     time.Time
	Attempts   int
	NextAt     time.Time
	Exhausted  bool
}

// EventReceipt records a successfully triggered external event for
// idempotent replay handling.
type EventReceipt struct {
	IdempotencyKey string
	TemplateID     string
	RunID          string
	ReceivedAt     time.Time
}

// RetryJob is a recoverable event failure queued for backoff redelivery.
type RetryJob struct {
	JobID       string
	Payload     json.RawMessage
	ReasonClass string
	ReasonCode  string
	Attempts    int
	MaxAttempts int
	NextDueAt   time.Time
	Status      string // pending | retrying | escalated | resolved
	UpdatedAt   time.Time
}

const (
	JobPending   = "pending"
	JobRetrying  = "retrying"
	JobEscalated = "escalated"
	JobResolved  = "resolved"
)

// AuditRecord is one append-only entry in the trigger audit trail.
type AuditRecord struct {
	ID          int64
	At          time.Time
	Source      string // scheduler | workflow_event
	Status      string // started | success | skipped | rejected | deferred | failed | queued
	TemplateID  string
	SlotKey     string
	EventID     string
	RunID       string
	ReasonClass string
	ReasonCode  string
	RetryAdvice string
	Duplicate   bool
	Detail      string
}

const (
	SourceScheduler     = "scheduler"
	SourceWorkflowEvent = "workflow_event"
)

// AuditQuery filters ListAudit. Zero values mean "any".
type AuditQuery struct {
	Source string
	Since  time.Time
	Until  time.Time
	Limit  int // most recent first; 0 means a sane default
}

// Lease is an execution lock with a heartbeat. A lease whose heartbeat is
// older than its TTL is stale and reclaimable.
type Lease struct {
	Name        string
	Holder      string
	HeartbeatAt time.Time
}
