// Package trigger runs the time-based side of the system: a single
// poller goroutine that evaluates recurrence rules, pre-commits slots,
// invokes the workflow runner, and drives the per-slot retry policy.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/recurrence"
	"triggerd/internal/storage"
	"triggerd/internal/workflow"
	logx "triggerd/pkg/logx"
)

const leaseName = "scheduler"

// Settings are the live scheduler tunables. The poller reads them fresh
// every tick so a config reload takes effect without a restart.
type Settings struct {
	PollInterval time.Duration
	RetryMax     int
	RetryDelay   time.Duration
	LeaseTTL     time.Duration
	Location     *time.Location
}

func (s Settings) withDefaults() Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.RetryMax < 0 {
		s.RetryMax = 0
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = 5 * time.Minute
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = 2 * time.Minute
	}
	if s.Location == nil {
		s.Location = time.UTC
	}
	return s
}

// Poller is the periodic scheduler loop. One instance runs per process;
// the storage lease keeps multiple processes from double-firing.
type Poller struct {
	store    storage.Store
	runner   workflow.Runner
	bus      eventbus.Bus
	settings func() Settings
	log      logx.Logger
	holder   string
	now      func() time.Time
}

func NewPoller(store storage.Store, runner workflow.Runner, bus eventbus.Bus, settings func() Settings, log logx.Logger) *Poller {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		store:    store,
		runner:   runner,
		bus:      bus,
		settings: settings,
		log:      log.With(logx.String("component", "poller")),
		holder:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:      time.Now,
	}
}

// Run loops until the context is cancelled. Panics inside a tick are the
// supervisor's problem; Run itself only returns on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	s := p.settings().withDefaults()
	p.log.Info("scheduler poller started",
		logx.Duration("poll_interval", s.PollInterval),
		logx.String("holder", p.holder))

	timer := time.NewTimer(s.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = p.store.ReleaseLease(relCtx, leaseName, p.holder)
			cancel()
			return ctx.Err()
		case <-timer.C:
			p.tick(ctx)
			timer.Reset(p.settings().withDefaults().PollInterval)
		}
	}
}

// tick performs one evaluation pass: take the lease, replay due retries,
// then fire newly eligible slots.
func (p *Poller) tick(ctx context.Context) {
	s := p.settings().withDefaults()
	now := p.now()

	held, err := p.store.AcquireLease(ctx, leaseName, p.holder, now, s.LeaseTTL)
	if err != nil {
		p.log.Error("lease acquire failed", logx.Err(err))
		return
	}
	if !held {
		p.log.Debug("scheduler lease held elsewhere, skipping tick")
		return
	}

	p.reapRetries(ctx, now, s)
	p.pollSlots(ctx, now, s)
}

// reapRetries re-invokes slots whose retry backoff has elapsed.
func (p *Poller) reapRetries(ctx context.Context, now time.Time, s Settings) {
	due, err := p.store.ListDueRetryStates(ctx, now)
	if err != nil {
		p.log.Error("list due retries failed", logx.Err(err))
		return
	}
	for _, st := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.store.RenewLease(ctx, leaseName, p.holder, p.now()); err != nil {
			p.log.Warn("lease renew failed", logx.Err(err))
		}

		period := workflow.PreviousMonth(st.SlotAt)
		runID, err := p.runner.Invoke(ctx, st.TemplateID, period)
		if err == nil {
			if derr := p.store.DeleteRetryState(ctx, st.Signature); derr != nil {
				p.log.Error("delete retry state failed", logx.Err(derr))
			}
			p.audit(ctx, storage.AuditRecord{
				Source:     storage.SourceScheduler,
				Status:     "started",
				TemplateID: st.TemplateID,
				SlotKey:    st.SlotKey,
				RunID:      runID,
				Detail:     fmt.Sprintf("retry attempt %d succeeded", st.Attempts+1),
			})
			p.log.Info("slot retry succeeded",
				logx.String("template_id", st.TemplateID),
				logx.String("slot_key", st.SlotKey),
				logx.String("run_id", runID))
			continue
		}

		st.Attempts++
		if st.Attempts >= s.RetryMax {
			st.Exhausted = true
			if perr := p.store.PutRetryState(ctx, st); perr != nil {
				p.log.Error("persist retry state failed", logx.Err(perr))
			}
			p.audit(ctx, storage.AuditRecord{
				Source:      storage.SourceScheduler,
				Status:      "failed",
				TemplateID:  st.TemplateID,
				SlotKey:     st.SlotKey,
				ReasonClass: classOf(err),
				ReasonCode:  "retry_exhausted",
				Detail:      err.Error(),
			})
			p.publish("slot.retry_exhausted", map[string]any{
				"template_id": st.TemplateID,
				"slot_key":    st.SlotKey,
				"attempts":    st.Attempts,
				"error":       err.Error(),
			})
			p.log.Error("slot retries exhausted",
				logx.String("template_id", st.TemplateID),
				logx.String("slot_key", st.SlotKey),
				logx.Int("attempts", st.Attempts),
				logx.Err(err))
			continue
		}

		st.NextAt = now.Add(s.RetryDelay)
		if perr := p.store.PutRetryState(ctx, st); perr != nil {
			p.log.Error("persist retry state failed", logx.Err(perr))
		}
		p.audit(ctx, storage.AuditRecord{
			Source:      storage.SourceScheduler,
			Status:      "deferred",
			TemplateID:  st.TemplateID,
			SlotKey:     st.SlotKey,
			ReasonClass: classOf(err),
			Detail:      fmt.Sprintf("retry attempt %d failed: %v", st.Attempts, err),
		})
	}
}

// pollSlots fires every enabled config whose current slot has not been
// committed yet.
func (p *Poller) pollSlots(ctx context.Context, now time.Time, s Settings) {
	configs, err := p.store.ListEnabledScheduleConfigs(ctx)
	if err != nil {
		p.log.Error("list schedule configs failed", logx.Err(err))
		return
	}
	local := now.In(s.Location)

	for _, sc := range configs {
		if ctx.Err() != nil {
			return
		}
		slot, ok := recurrence.Eligible(sc.TemplateID, sc.Rule, local)
		if !ok {
			continue
		}

		// Cheap read first. The common case after a slot fires is many
		// ticks inside the same period; none of them deserve a write or
		// an audit row.
		if _, fired, err := p.store.GetSlotReceipt(ctx, sc.TemplateID, slot.Key); err != nil {
			p.log.Error("slot receipt lookup failed", logx.Err(err))
			continue
		} else if fired {
			continue
		}

		committed, existing, err := p.store.CommitSlot(ctx, sc.TemplateID, slot.Key, now)
		if err != nil {
			p.log.Error("slot commit failed",
				logx.String("slot_key", slot.Key), logx.Err(err))
			continue
		}
		if !committed {
			// Lost the commit race to a concurrent holder.
			p.audit(ctx, storage.AuditRecord{
				Source:     storage.SourceScheduler,
				Status:     storage.SlotSkippedDuplicate,
				TemplateID: sc.TemplateID,
				SlotKey:    slot.Key,
				Duplicate:  true,
				Detail:     "slot already fired at " + existing.FiredAt.Format(time.RFC3339),
			})
			continue
		}

		if _, err := p.store.RenewLease(ctx, leaseName, p.holder, p.now()); err != nil {
			p.log.Warn("lease renew failed", logx.Err(err))
		}
		p.invoke(ctx, sc.TemplateID, slot, now, s)
	}
}

// invoke starts the run for a freshly committed slot and routes the
// outcome into audit plus, on failure, the retry state machine.
func (p *Poller) invoke(ctx context.Context, templateID string, slot recurrence.Slot, now time.Time, s Settings) {
	period := workflow.PreviousMonth(slot.At)
	runID, err := p.runner.Invoke(ctx, templateID, period)
	if err == nil {
		p.audit(ctx, storage.AuditRecord{
			Source:     storage.SourceScheduler,
			Status:     "started",
			TemplateID: templateID,
			SlotKey:    slot.Key,
			RunID:      runID,
		})
		p.log.Info("workflow run started",
			logx.String("template_id", templateID),
			logx.String("slot_key", slot.Key),
			logx.String("run_id", runID))
		return
	}

	if s.RetryMax <= 0 {
		p.audit(ctx, storage.AuditRecord{
			Source:      storage.SourceScheduler,
			Status:      "failed",
			TemplateID:  templateID,
			SlotKey:     slot.Key,
			ReasonClass: classOf(err),
			ReasonCode:  "retry_exhausted",
			Detail:      err.Error(),
		})
		p.publish("slot.retry_exhausted", map[string]any{
			"template_id": templateID,
			"slot_key":    slot.Key,
			"attempts":    0,
			"error":       err.Error(),
		})
		return
	}

	st := storage.RetryState{
		Signature:  storage.Signature(templateID, slot.Key),
		TemplateID: templateID,
		SlotKey:    slot.Key,
		SlotAt:     slot.At,
		Attempts:   0,
		NextAt:     now.Add(s.RetryDelay),
	}
	if perr := p.store.PutRetryState(ctx, st); perr != nil {
		p.log.Error("persist retry state failed", logx.Err(perr))
	}
	p.audit(ctx, storage.AuditRecord{
		Source:      storage.SourceScheduler,
		Status:      "deferred",
		TemplateID:  templateID,
		SlotKey:     slot.Key,
		ReasonClass: classOf(err),
		Detail:      fmt.Sprintf("initial invocation failed: %v", err),
	})
	p.log.Warn("workflow run deferred",
		logx.String("template_id", templateID),
		logx.String("slot_key", slot.Key),
		logx.Err(err))
}

func (p *Poller) audit(ctx context.Context, rec storage.AuditRecord) {
	rec.At = p.now()
	if err := p.store.AppendAudit(ctx, rec); err != nil {
		p.log.Error("audit append failed", logx.Err(err))
	}
}

func (p *Poller) publish(typ string, data map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: data})
}

// classOf maps a runner error onto the rejection taxonomy used by audit.
func classOf(err error) string {
	if errors.Is(err, workflow.ErrRunConflict) {
		return "run_conflict"
	}
	return "infra"
}
