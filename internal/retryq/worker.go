package retryq

import (
	"context"
	"encoding/json"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/events"
	"triggerd/internal/storage"
	logx "triggerd/pkg/logx"
)

const drainBatch = 100

// Replayer re-runs a stored event payload. Implemented by the event
// receiver.
type Replayer interface {
	Replay(ctx context.Context, req events.Request) events.Result
}

// Worker drains due retry jobs on an interval. A manual drain can be
// requested at any time through Drain.
type Worker struct {
	store    storage.Store
	replayer Replayer
	bus      eventbus.Bus
	settings func() Settings
	log      logx.Logger
	now      func() time.Time
}

func NewWorker(store storage.Store, replayer Replayer, bus eventbus.Bus, settings func() Settings, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		store:    store,
		replayer: replayer,
		bus:      bus,
		settings: settings,
		log:      log.With(logx.String("component", "retryq")),
		now:      time.Now,
	}
}

// Run loops until cancelled.
func (w *Worker) Run(ctx context.Context) error {
	s := w.settings().withDefaults()
	w.log.Info("retry drain worker started", logx.Duration("interval", s.DrainInterval))

	timer := time.NewTimer(s.DrainInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if _, err := w.Drain(ctx); err != nil {
				w.log.Error("drain pass failed", logx.Err(err))
			}
			timer.Reset(w.settings().withDefaults().DrainInterval)
		}
	}
}

// Drain processes every currently due job once, then prunes terminal
// rows past their TTL. Returns the number of jobs processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	s := w.settings().withDefaults()
	now := w.now()

	// A drain that died after claiming leaves jobs stuck in retrying.
	// Return stale claims to pending so this pass can process them.
	if n, err := w.store.ReclaimStaleRetryJobs(ctx, now, s.ClaimTTL); err != nil {
		w.log.Error("stale claim reclaim failed", logx.Err(err))
	} else if n > 0 {
		w.log.Warn("reclaimed abandoned retry claims", logx.Int("count", n))
	}

	jobs, err := w.store.ListDueRetryJobs(ctx, now, drainBatch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, due := range jobs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		// The claim is the atomic gate; a concurrent drain loses here.
		job, ok, err := w.store.ClaimRetryJob(ctx, due.JobID, now)
		if err != nil {
			w.log.Error("job claim failed", logx.String("job_id", due.JobID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		w.processJob(ctx, job, s)
		processed++
	}

	if err := w.store.PruneRetryJobs(ctx, now.Add(-s.TerminalTTL)); err != nil {
		w.log.Error("prune failed", logx.Err(err))
	}
	return processed, nil
}

func (w *Worker) processJob(ctx context.Context, job storage.RetryJob, s Settings) {
	now := w.now()

	var req events.Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		w.escalate(ctx, job, "payload unreadable: "+err.Error())
		return
	}

	res := w.replayer.Replay(ctx, req)
	switch {
	case res.Triggered || res.Duplicate:
		job.Status = storage.JobResolved
		job.UpdatedAt = now
		if err := w.store.UpdateRetryJob(ctx, job); err != nil {
			w.log.Error("job update failed", logx.String("job_id", job.JobID), logx.Err(err))
			return
		}
		w.log.Info("retry job resolved",
			logx.String("job_id", job.JobID),
			logx.Int("attempts", job.Attempts+1),
			logx.Bool("duplicate", res.Duplicate))

	case res.RetryAdvice == events.AdviceRetryWithBackoff:
		job.Attempts++
		job.ReasonClass = res.ReasonClass
		job.ReasonCode = res.ReasonCode
		if job.Attempts >= job.MaxAttempts {
			w.escalate(ctx, job, "max attempts reached")
			return
		}
		job.Status = storage.JobPending
		job.NextDueAt = now.Add(backoff(s, job.Attempts))
		job.UpdatedAt = now
		if err := w.store.UpdateRetryJob(ctx, job); err != nil {
			w.log.Error("job update failed", logx.String("job_id", job.JobID), logx.Err(err))
			return
		}
		w.log.Warn("retry job deferred",
			logx.String("job_id", job.JobID),
			logx.Int("attempts", job.Attempts),
			logx.String("class", job.ReasonClass))

	default:
		// The replay was rejected for a reason no amount of waiting
		// fixes. An operator has to look at it.
		job.Attempts++
		job.ReasonClass = res.ReasonClass
		job.ReasonCode = res.ReasonCode
		w.escalate(ctx, job, "replay rejected with "+res.RetryAdvice)
	}
}

func (w *Worker) escalate(ctx context.Context, job storage.RetryJob, detail string) {
	job.Status = storage.JobEscalated
	job.UpdatedAt = w.now()
	if err := w.store.UpdateRetryJob(ctx, job); err != nil {
		w.log.Error("job update failed", logx.String("job_id", job.JobID), logx.Err(err))
		return
	}
	w.log.Error("retry job escalated",
		logx.String("job_id", job.JobID),
		logx.Int("attempts", job.Attempts),
		logx.String("class", job.ReasonClass),
		logx.String("detail", detail))
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: "retryjob.escalated", Time: job.UpdatedAt, Data: map[string]any{
			"job_id":       job.JobID,
			"attempts":     job.Attempts,
			"reason_class": job.ReasonClass,
			"reason_code":  job.ReasonCode,
			"detail":       detail,
		}})
	}
}

// backoff doubles per attempt from the base, capped at the max.
func backoff(s Settings, attempts int) time.Duration {
	d := s.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	if d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}
