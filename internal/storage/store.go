package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "triggerd/pkg/logx"
)

// Store is the persistence API shared by the poller, the event receiver,
// and the retry drain worker. It is the single shared resource between
// them; none of those components call each other directly.
type Store interface {
	// Schedule configs.
	SaveScheduleConfig(ctx context.Context, sc ScheduleConfig) (ScheduleConfig, error)
	GetScheduleConfig(ctx context.Context, templateID string) (ScheduleConfig, bool, error)
	ListEnabledScheduleConfigs(ctx context.Context) ([]ScheduleConfig, error)

	// Slot receipts (time-based dedup). CommitSlot is the durable
	// pre-commit: it atomically writes a fired receipt, or reports the
	// existing one when the slot already fired.
	CommitSlot(ctx context.Context, templateID, slotKey string, firedAt time.Time) (committed bool, existing SlotReceipt, err error)
	GetSlotReceipt(ctx context.Context, templateID, slotKey string) (SlotReceipt, bool, error)

	// Time-based retry state.
	PutRetryState(ctx context.Context, st RetryState) error
	GetRetryState(ctx context.Context, signature string) (RetryState, bool, error)
	DeleteRetryState(ctx context.Context, signature string) error
	ListDueRetryStates(ctx context.Context, now time.Time) ([]RetryState, error)

	// Event receipts (idempotency registry). Put is an atomic
	// insert-if-absent: a loser observes the first writer's receipt.
	// The same transaction evicts expired receipts and, beyond maxCount,
	// the oldest ones.
	PutEventReceipt(ctx context.Context, r EventReceipt, ttl time.Duration, maxCount int) (inserted bool, winner EventReceipt, err error)
	GetEventReceipt(ctx context.Context, key string, now time.Time, ttl time.Duration) (EventReceipt, bool, error)

	// Retry jobs (event-based). ClaimRetryJob atomically moves a due
	// pending job to retrying so concurrent drains never double-process.
	// ReclaimStaleRetryJobs returns retrying jobs whose claim outlived
	// ttl (the claimant crashed mid-drain) to pending so a later drain
	// can pick them up again.
	EnqueueRetryJob(ctx context.Context, job RetryJob, maxSize int) error
	ClaimRetryJob(ctx context.Context, jobID string, now time.Time) (RetryJob, bool, error)
	ReclaimStaleRetryJobs(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
	UpdateRetryJob(ctx context.Context, job RetryJob) error
	ListDueRetryJobs(ctx context.Context, now time.Time, limit int) ([]RetryJob, error)
	ListRetryJobs(ctx context.Context, limit int) ([]RetryJob, error)
	PruneRetryJobs(ctx context.Context, olderThan time.Time) error

	// Audit log. Append-only; per-source order is insertion order.
	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, q AuditQuery) ([]AuditRecord, error)

	// Execution leases with heartbeat-based stale reclaim.
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Signature builds the retry-state signature for a slot.
func Signature(templateID, slotKey string) string {
	return templateID + "|" + slotKey
}
