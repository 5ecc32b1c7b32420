// Package events ingests external workflow events: it resolves the
// target template, deduplicates on an idempotency key, validates the
// requested period, and hands off to the workflow runner. Failures that
// make sense to retry automatically are enqueued as retry jobs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"triggerd/internal/storage"
	"triggerd/internal/workflow"
	logx "triggerd/pkg/logx"
)

// Request is an incoming external event. It doubles as the stored retry
// job payload, so replays see exactly what the original caller sent
// (with the template id and dedup key pinned after resolution).
type Request struct {
	TemplateID     string `json:"template_id,omitempty"`
	EventName      string `json:"event_name,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	EventID        string `json:"event_id,omitempty"`
	Year           int    `json:"year,omitempty"`
	Month          int    `json:"month,omitempty"`
	Source         string `json:"source,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

const (
	StatusTriggered = "triggered"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
	StatusQueued    = "queued"
)

// Result is the synchronous outcome reported to the caller.
type Result struct {
	Status      string `json:"status"`
	Duplicate   bool   `json:"duplicate"`
	Triggered   bool   `json:"triggered"`
	TemplateID  string `json:"template_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	ReasonClass string `json:"reason_class,omitempty"`
	ReasonCode  string `json:"reason_code,omitempty"`
	RetryAdvice string `json:"retry_advice,omitempty"`
	JobID       string `json:"job_id,omitempty"`
}

// Enqueuer accepts failed events for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, reasonClass, reasonCode string) (jobID string, err error)
}

// Settings are the live dedup-registry tunables.
type Settings struct {
	ReceiptTTL time.Duration
	ReceiptMax int
}

func (s Settings) withDefaults() Settings {
	if s.ReceiptTTL <= 0 {
		s.ReceiptTTL = 90 * 24 * time.Hour
	}
	if s.ReceiptMax <= 0 {
		s.ReceiptMax = 1000
	}
	return s
}

// Receiver handles workflow events synchronously. Safe for concurrent
// use; all dedup decisions go through the store's atomic writes.
type Receiver struct {
	registry *workflow.Registry
	runner   workflow.Runner
	store    storage.Store
	queue    Enqueuer
	settings func() Settings
	log      logx.Logger
	now      func() time.Time
	newID    func() string
}

func NewReceiver(registry *workflow.Registry, runner workflow.Runner, store storage.Store, queue Enqueuer, settings func() Settings, log logx.Logger) *Receiver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Receiver{
		registry: registry,
		runner:   runner,
		store:    store,
		queue:    queue,
		settings: settings,
		log:      log.With(logx.String("component", "events")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Handle runs the full synchronous pipeline for a fresh event.
func (r *Receiver) Handle(ctx context.Context, req Request) Result {
	tpl, err := r.registry.Resolve(req.TemplateID, req.EventName)
	if err != nil {
		return r.reject(ctx, req, ClassTemplateConflict, resolveCode(err), err.Error())
	}
	req.TemplateID = tpl.ID
	return r.process(ctx, tpl, req, true)
}

// Replay re-runs a previously failed event from its stored payload. The
// template was already resolved on the original pass; only dedup,
// validation, allow-list, and invocation run again. Failures are not
// re-enqueued, the retry queue owns the job lifecycle.
func (r *Receiver) Replay(ctx context.Context, req Request) Result {
	tpl, ok := r.registry.Get(req.TemplateID)
	if !ok {
		return r.reject(ctx, req, ClassTemplateConflict, "unknown_template", "template removed since the event was queued")
	}
	return r.process(ctx, tpl, req, false)
}

// RejectAuth records a shared-secret mismatch. The HTTP layer performs
// the actual check; the rejection is audited here so every branch of
// the pipeline leaves exactly one record.
func (r *Receiver) RejectAuth(ctx context.Context, source string) Result {
	return r.reject(ctx, Request{Source: source}, ClassAuth, "token_mismatch", "shared secret mismatch")
}

func (r *Receiver) process(ctx context.Context, tpl workflow.Template, req Request, enqueue bool) Result {
	s := r.settings().withDefaults()
	now := r.now()
	key := normalizeKey(req.IdempotencyKey, req.EventID, r.newID)
	req.IdempotencyKey = key

	// Dedup registry lookup. A hit is a success that does not trigger.
	existing, dup, err := r.store.GetEventReceipt(ctx, key, now, s.ReceiptTTL)
	if err != nil {
		return r.fail(ctx, req, ClassInfra, "store_error", err.Error(), enqueue)
	}
	if dup {
		return r.duplicate(ctx, req, existing, "")
	}

	period, ok := resolvePeriod(req, now)
	if !ok {
		return r.reject(ctx, req, ClassValidation, "period_out_of_range", "year must be 2000-2100, month 1-12")
	}

	if !workflow.AllowedAction(tpl.FirstStepAction) {
		return r.reject(ctx, req, ClassUnsupportedAction, "action_not_allowed", "first step action "+tpl.FirstStepAction+" is not on the execution allow-list")
	}

	runID, err := r.runner.Invoke(ctx, tpl.ID, period)
	if err != nil {
		class, code := classifyInvoke(err)
		return r.fail(ctx, req, class, code, err.Error(), enqueue)
	}

	inserted, winner, err := r.store.PutEventReceipt(ctx, storage.EventReceipt{
		IdempotencyKey: key,
		TemplateID:     tpl.ID,
		RunID:          runID,
		ReceivedAt:     now,
	}, s.ReceiptTTL, s.ReceiptMax)
	if err != nil {
		// The run already started; losing the receipt only weakens
		// future dedup. Log and report success.
		r.log.Error("event receipt persist failed", logx.String("key", key), logx.Err(err))
	} else if !inserted {
		// A concurrent request with the same key won the registry race.
		return r.duplicate(ctx, req, winner, "lost receipt race, run "+runID+" also started")
	}

	r.audit(ctx, storage.AuditRecord{
		Source:     storage.SourceWorkflowEvent,
		Status:     StatusTriggered,
		TemplateID: tpl.ID,
		EventID:    key,
		RunID:      runID,
		Detail:     req.Notes,
	})
	r.log.Info("workflow event triggered run",
		logx.String("template_id", tpl.ID),
		logx.String("key", key),
		logx.String("run_id", runID))
	return Result{
		Status:     StatusTriggered,
		Triggered:  true,
		TemplateID: tpl.ID,
		RunID:      runID,
	}
}

func (r *Receiver) duplicate(ctx context.Context, req Request, receipt storage.EventReceipt, detail string) Result {
	r.audit(ctx, storage.AuditRecord{
		Source:      storage.SourceWorkflowEvent,
		Status:      StatusDuplicate,
		TemplateID:  receipt.TemplateID,
		EventID:     req.IdempotencyKey,
		RunID:       receipt.RunID,
		ReasonClass: ClassDuplicate,
		RetryAdvice: Advice(ClassDuplicate),
		Duplicate:   true,
		Detail:      detail,
	})
	return Result{
		Status:      StatusDuplicate,
		Duplicate:   true,
		TemplateID:  receipt.TemplateID,
		RunID:       receipt.RunID,
		ReasonClass: ClassDuplicate,
		RetryAdvice: Advice(ClassDuplicate),
	}
}

func (r *Receiver) reject(ctx context.Context, req Request, class, code, detail string) Result {
	r.audit(ctx, storage.AuditRecord{
		Source:      storage.SourceWorkflowEvent,
		Status:      StatusRejected,
		TemplateID:  req.TemplateID,
		EventID:     req.IdempotencyKey,
		ReasonClass: class,
		ReasonCode:  code,
		RetryAdvice: Advice(class),
		Detail:      detail,
	})
	r.log.Warn("workflow event rejected",
		logx.String("class", class),
		logx.String("code", code),
		logx.String("detail", detail))
	return Result{
		Status:      StatusRejected,
		TemplateID:  req.TemplateID,
		ReasonClass: class,
		ReasonCode:  code,
		RetryAdvice: Advice(class),
	}
}

// fail handles retry_with_backoff classes: queue on the fresh path,
// plain rejection on the replay path where the job already exists.
func (r *Receiver) fail(ctx context.Context, req Request, class, code, detail string, enqueue bool) Result {
	if !enqueue || r.queue == nil {
		return r.reject(ctx, req, class, code, detail)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return r.reject(ctx, req, ClassValidation, "payload_not_serializable", err.Error())
	}
	jobID, err := r.queue.Enqueue(ctx, payload, class, code)
	if err != nil {
		if errors.Is(err, storage.ErrQueueFull) {
			return r.reject(ctx, req, ClassInfra, "queue_full", "retry queue is full, resend later")
		}
		return r.reject(ctx, req, ClassInfra, "enqueue_failed", err.Error())
	}

	r.audit(ctx, storage.AuditRecord{
		Source:      storage.SourceWorkflowEvent,
		Status:      StatusQueued,
		TemplateID:  req.TemplateID,
		EventID:     req.IdempotencyKey,
		ReasonClass: class,
		ReasonCode:  code,
		RetryAdvice: Advice(class),
		Detail:      detail,
	})
	r.log.Warn("workflow event queued for retry",
		logx.String("template_id", req.TemplateID),
		logx.String("job_id", jobID),
		logx.String("class", class))
	return Result{
		Status:      StatusQueued,
		TemplateID:  req.TemplateID,
		ReasonClass: class,
		ReasonCode:  code,
		RetryAdvice: Advice(class),
		JobID:       jobID,
	}
}

func (r *Receiver) audit(ctx context.Context, rec storage.AuditRecord) {
	rec.At = r.now()
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		r.log.Error("audit append failed", logx.Err(err))
	}
}

// resolvePeriod fills missing year/month from the default period, the
// calendar month before now, then range-checks the outcome.
func resolvePeriod(req Request, now time.Time) (workflow.Period, bool) {
	def := workflow.PreviousMonth(now)
	p := workflow.Period{Year: req.Year, Month: req.Month}
	if p.Year == 0 {
		p.Year = def.Year
	}
	if p.Month == 0 {
		p.Month = def.Month
	}
	return p, p.Valid()
}

func resolveCode(err error) string {
	switch {
	case errors.Is(err, workflow.ErrUnknownTemplate):
		return "unknown_template"
	case errors.Is(err, workflow.ErrNotEventTriggered):
		return "not_event_triggered"
	case errors.Is(err, workflow.ErrNoMatch):
		return "template_not_found"
	case errors.Is(err, workflow.ErrAmbiguous):
		return "ambiguous_match"
	default:
		return "resolve_failed"
	}
}
