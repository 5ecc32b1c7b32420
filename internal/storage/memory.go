package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything behind one mutex. Good enough for tests
// and dry runs; durability comes from the sqlite driver.
type memoryStore struct {
	mu sync.Mutex

	configs  map[string]ScheduleConfig
	receipts map[string]SlotReceipt // templateID|slotKey
	retries  map[string]RetryState
	events   map[string]EventReceipt
	jobs     map[string]RetryJob
	leases   map[string]Lease

	audit   []AuditRecord
	auditID int64
}

// NewMemory returns a volatile in-process store.
func NewMemory() Store {
	return &memoryStore{
		configs:  map[string]ScheduleConfig{},
		receipts: map[string]SlotReceipt{},
		retries:  map[string]RetryState{},
		events:   map[string]EventReceipt{},
		jobs:     map[string]RetryJob{},
		leases:   map[string]Lease{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) SaveScheduleConfig(_ context.Context, sc ScheduleConfig) (ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.configs[sc.TemplateID]
	if ok {
		sc.Rule.Revision = prev.Rule.Revision + 1
		// The anchor survives edits that don't touch the configured day.
		if sc.Rule.AnchorDay == 0 && sc.Rule.MonthDay == prev.Rule.MonthDay {
			sc.Rule.AnchorDay = prev.Rule.AnchorDay
		}
	} else {
		sc.Rule.Revision = 1
	}
	if sc.Rule.AnchorDay == 0 {
		sc.Rule.AnchorDay = sc.Rule.MonthDay
	}
	sc.UpdatedAt = time.Now()
	s.configs[sc.TemplateID] = sc
	return sc, nil
}

func (s *memoryStore) GetScheduleConfig(_ context.Context, templateID string) (ScheduleConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.configs[templateID]
	return sc, ok, nil
}

func (s *memoryStore) ListEnabledScheduleConfigs(_ context.Context) ([]ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleConfig, 0, len(s.configs))
	for _, sc := range s.configs {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

func (s *memoryStore) CommitSlot(_ context.Context, templateID, slotKey string, firedAt time.Time) (bool, SlotReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := Signature(templateID, slotKey)
	if r, ok := s.receipts[k]; ok {
		return false, r, nil
	}
	r := SlotReceipt{TemplateID: templateID, SlotKey: slotKey, Status: SlotFired, FiredAt: firedAt}
	s.receipts[k] = r
	return true, r, nil
}

func (s *memoryStore) GetSlotReceipt(_ context.Context, templateID, slotKey string) (SlotReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[Signature(templateID, slotKey)]
	return r, ok, nil
}

func (s *memoryStore) PutRetryState(_ context.Context, st RetryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[st.Signature] = st
	return nil
}

func (s *memoryStore) GetRetryState(_ context.Context, signature string) (RetryState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retries[signature]
	return st, ok, nil
}

func (s *memoryStore) DeleteRetryState(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, signature)
	return nil
}

func (s *memoryStore) ListDueRetryStates(_ context.Context, now time.Time) ([]RetryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RetryState
	for _, st := range s.retries {
		if !st.Exhausted && !st.NextAt.After(now) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAt.Before(out[j].NextAt) })
	return out, nil
}

func (s *memoryStore) PutEventReceipt(_ context.Context, r EventReceipt, ttl time.Duration, maxCount int) (bool, EventReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[r.IdempotencyKey]; ok {
		// First writer wins; the event already counted as triggered once.
		return false, existing, nil
	}
	s.events[r.IdempotencyKey] = r

	// Evict expired first, then the oldest beyond the cap.
	if ttl > 0 {
		cutoff := r.ReceivedAt.Add(-ttl)
		for k, e := range s.events {
			if e.ReceivedAt.Before(cutoff) {
				delete(s.events, k)
			}
		}
	}
	if maxCount > 0 && len(s.events) > maxCount {
		all := make([]EventReceipt, 0, len(s.events))
		for _, e := range s.events {
			all = append(all, e)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ReceivedAt.Before(all[j].ReceivedAt) })
		for i := 0; len(s.events) > maxCount && i < len(all); i++ {
			delete(s.events, all[i].IdempotencyKey)
		}
	}
	return true, r, nil
}

func (s *memoryStore) GetEventReceipt(_ context.Context, key string, now time.Time, ttl time.Duration) (EventReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.events[key]
	if !ok {
		return EventReceipt{}, false, nil
	}
	if ttl > 0 && r.ReceivedAt.Before(now.Add(-ttl)) {
		delete(s.events, key)
		return EventReceipt{}, false, nil
	}
	return r, true, nil
}

func (s *memoryStore) EnqueueRetryJob(_ context.Context, job RetryJob, maxSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxSize > 0 {
		pending := 0
		for _, j := range s.jobs {
			if j.Status == JobPending || j.Status == JobRetrying {
				pending++
			}
		}
		if pending >= maxSize {
			return ErrQueueFull
		}
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *memoryStore) ClaimRetryJob(_ context.Context, jobID string, now time.Time) (RetryJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != JobPending || j.NextDueAt.After(now) {
		return RetryJob{}, false, nil
	}
	j.Status = JobRetrying
	j.UpdatedAt = now
	s.jobs[jobID] = j
	return j, true, nil
}

func (s *memoryStore) ReclaimStaleRetryJobs(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for id, j := range s.jobs {
		if j.Status == JobRetrying && j.UpdatedAt.Before(now.Add(-ttl)) {
			j.Status = JobPending
			j.UpdatedAt = now
			s.jobs[id] = j
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *memoryStore) UpdateRetryJob(_ context.Context, job RetryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *memoryStore) ListDueRetryJobs(_ context.Context, now time.Time, limit int) ([]RetryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RetryJob
	for _, j := range s.jobs {
		if j.Status == JobPending && !j.NextDueAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(out[j].NextDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ListRetryJobs(_ context.Context, limit int) ([]RetryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RetryJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) PruneRetryJobs(_ context.Context, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if (j.Status == JobResolved || j.Status == JobEscalated) && j.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *memoryStore) AppendAudit(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.auditID++
	rec.ID = s.auditID
	s.audit = append(s.audit, rec)
	return nil
}

func (s *memoryStore) ListAudit(_ context.Context, q AuditQuery) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []AuditRecord
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.audit[i]
		if q.Source != "" && rec.Source != q.Source {
			continue
		}
		if !q.Since.IsZero() && rec.At.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !rec.At.Before(q.Until) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *memoryStore) AcquireLease(_ context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if !ok || l.Holder == holder || (ttl > 0 && l.HeartbeatAt.Before(now.Add(-ttl))) {
		s.leases[name] = Lease{Name: name, Holder: holder, HeartbeatAt: now}
		return true, nil
	}
	return false, nil
}

func (s *memoryStore) RenewLease(_ context.Context, name, holder string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if !ok || l.Holder != holder {
		return false, nil
	}
	l.HeartbeatAt = now
	s.leases[name] = l
	return true, nil
}

func (s *memoryStore) ReleaseLease(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.Holder == holder {
		delete(s.leases, name)
	}
	return nil
}
