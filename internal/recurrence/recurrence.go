// Package recurrence computes trigger slots from configured calendar
// values.
//
// Everything here is pure: the same (rule, now) pair always yields the
// same slot, and slot keys never depend on evaluation wall-clock time.
// That property is what makes slot dedup safe across restarts and clock
// adjustments.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindOnce    Kind = "once"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindCron    Kind = "cron"
)

// Rule is the calendar part of a schedule config.
//
// AnchorDay is internal-only: it preserves the originally configured
// day-of-month across short-month corrections and must never appear in
// public API responses.
type Rule struct {
	Kind     Kind
	RunDate  string // "2006-01-02", once only
	RunTime  string // "15:04"
	Weekday  time.Weekday
	MonthDay int

	AnchorDay int

	// CronExpr is a standard 5-field expression, used when Kind is "cron".
	CronExpr string

	// Revision counts config saves. It is folded into once slot keys so an
	// explicit re-save re-arms a fired one-shot.
	Revision int64
}

// Slot is a discrete, deterministically identified trigger opportunity.
type Slot struct {
	Key string
	At  time.Time
}

const keyTimeFormat = "2006-01-02T15:04"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLookback bounds how far back we search for the most recent cron
// activation. Missed activations older than this are not replayed.
const cronLookback = 24 * time.Hour

// Validate rejects rules that cannot produce slots. It runs at write
// time; Eligible assumes a validated rule.
func Validate(r Rule) error {
	switch r.Kind {
	case KindOnce:
		if _, err := parseRunDate(r.RunDate); err != nil {
			return err
		}
	case KindDaily:
	case KindWeekly:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return fmt.Errorf("weekday out of range: %d", r.Weekday)
		}
	case KindMonthly:
		day := r.AnchorDay
		if day == 0 {
			day = r.MonthDay
		}
		if day < 1 || day > 31 {
			return fmt.Errorf("month_day out of range: %d", day)
		}
	case KindCron:
		if _, err := cronParser.Parse(strings.TrimSpace(r.CronExpr)); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", r.CronExpr, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}
	if _, _, err := parseHHMM(r.RunTime); err != nil {
		return err
	}
	return nil
}

// Eligible returns the slot that is due at or before now for the rule's
// current period, or false when nothing is due yet.
//
// The slot key derives from the template id and the slot's own calendar
// values, so repeated evaluations (extra poll ticks, restarts, NTP steps)
// identify the same slot.
func Eligible(templateID string, r Rule, now time.Time) (Slot, bool) {
	switch r.Kind {
	case KindOnce:
		return onceSlot(templateID, r, now)
	case KindDaily:
		return dailySlot(templateID, r, now)
	case KindWeekly:
		return weeklySlot(templateID, r, now)
	case KindMonthly:
		return monthlySlot(templateID, r, now)
	case KindCron:
		return cronSlot(templateID, r, now)
	}
	return Slot{}, false
}

func onceSlot(templateID string, r Rule, now time.Time) (Slot, bool) {
	date, err := parseRunDate(r.RunDate)
	if err != nil {
		return Slot{}, false
	}
	h, m, err := parseHHMM(r.RunTime)
	if err != nil {
		return Slot{}, false
	}
	at := time.Date(date.Year(), date.Month(), date.Day(), h, m, 0, 0, now.Location())
	if now.Before(at) {
		return Slot{}, false
	}
	key := fmt.Sprintf("%s:once:r%d:%s", templateID, r.Revision, at.Format(keyTimeFormat))
	return Slot{Key: key, At: at}, true
}

func dailySlot(templateID string, r Rule, now time.Time) (Slot, bool) {
	h, m, err := parseHHMM(r.RunTime)
	if err != nil {
		return Slot{}, false
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if now.Before(at) {
		return Slot{}, false
	}
	key := fmt.Sprintf("%s:daily:%s", templateID, at.Format(keyTimeFormat))
	return Slot{Key: key, At: at}, true
}

func weeklySlot(templateID string, r Rule, now time.Time) (Slot, bool) {
	h, m, err := parseHHMM(r.RunTime)
	if err != nil {
		return Slot{}, false
	}
	// Most recent occurrence of the configured weekday, today included.
	daysBack := (int(now.Weekday()) - int(r.Weekday) + 7) % 7
	day := now.AddDate(0, 0, -daysBack)
	at := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, now.Location())
	if now.Before(at) {
		// Today is the configured weekday but run_time hasn't arrived;
		// last week's occurrence is outside the current period.
		return Slot{}, false
	}
	key := fmt.Sprintf("%s:weekly:%s", templateID, at.Format(keyTimeFormat))
	return Slot{Key: key, At: at}, true
}

func monthlySlot(templateID string, r Rule, now time.Time) (Slot, bool) {
	h, m, err := parseHHMM(r.RunTime)
	if err != nil {
		return Slot{}, false
	}
	anchor := r.AnchorDay
	if anchor == 0 {
		anchor = r.MonthDay
	}
	if anchor < 1 || anchor > 31 {
		return Slot{}, false
	}
	// Short months fall back to their last day for this occurrence only.
	// The stored anchor is untouched, so a later month with enough days
	// fires on the original day again.
	day := anchor
	if last := lastDayOfMonth(now.Year(), now.Month()); day > last {
		day = last
	}
	at := time.Date(now.Year(), now.Month(), day, h, m, 0, 0, now.Location())
	if now.Before(at) {
		return Slot{}, false
	}
	key := fmt.Sprintf("%s:monthly:%s", templateID, at.Format(keyTimeFormat))
	return Slot{Key: key, At: at}, true
}

func cronSlot(templateID string, r Rule, now time.Time) (Slot, bool) {
	sched, err := cronParser.Parse(strings.TrimSpace(r.CronExpr))
	if err != nil {
		return Slot{}, false
	}
	// robfig schedules only step forward, so walk from a bounded lookback
	// and keep the last activation that is not after now.
	t := now.Add(-cronLookback)
	var at time.Time
	for {
		next := sched.Next(t)
		if next.IsZero() || next.After(now) {
			break
		}
		at = next
		t = next
	}
	if at.IsZero() {
		return Slot{}, false
	}
	key := fmt.Sprintf("%s:cron:%s", templateID, at.Format(keyTimeFormat))
	return Slot{Key: key, At: at}, true
}

func lastDayOfMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseRunDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run_date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid run_time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
