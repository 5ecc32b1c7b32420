// Package retryq owns the event retry queue: enqueueing failed events,
// draining due jobs through the receiver's replay path, and the backoff
// and escalation lifecycle.
package retryq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"triggerd/internal/storage"
)

// Settings are the live queue tunables.
type Settings struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	TerminalTTL   time.Duration
	MaxSize       int
	DrainInterval time.Duration
	// ClaimTTL bounds how long a job may sit in retrying before the
	// claim is considered abandoned and the job returns to pending.
	ClaimTTL time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Minute
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = time.Hour
	}
	if s.TerminalTTL <= 0 {
		s.TerminalTTL = 7 * 24 * time.Hour
	}
	if s.MaxSize <= 0 {
		s.MaxSize = 1000
	}
	if s.DrainInterval <= 0 {
		s.DrainInterval = time.Minute
	}
	if s.ClaimTTL <= 0 {
		s.ClaimTTL = 15 * time.Minute
	}
	return s
}

// Queue accepts failed events for later replay. It is the receiver's
// Enqueuer.
type Queue struct {
	store    storage.Store
	settings func() Settings
	now      func() time.Time
	newID    func() string
}

func NewQueue(store storage.Store, settings func() Settings) *Queue {
	return &Queue{
		store:    store,
		settings: settings,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Enqueue stores a new pending job, first due after one base delay.
// Returns storage.ErrQueueFull when the bounded queue has no room.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, reasonClass, reasonCode string) (string, error) {
	s := q.settings().withDefaults()
	now := q.now()
	job := storage.RetryJob{
		JobID:       q.newID(),
		Payload:     payload,
		ReasonClass: reasonClass,
		ReasonCode:  reasonCode,
		Attempts:    0,
		MaxAttempts: s.MaxAttempts,
		NextDueAt:   now.Add(s.BaseDelay),
		Status:      storage.JobPending,
		UpdatedAt:   now,
	}
	if err := q.store.EnqueueRetryJob(ctx, job, s.MaxSize); err != nil {
		return "", err
	}
	return job.JobID, nil
}
