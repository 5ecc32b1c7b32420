// Package workflow holds the template model shared by the scheduler
// poller and the external event receiver, plus the Runner contract both
// use to start a run. The runner itself lives outside this process.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Template describes a runnable workflow template. EventTriggered marks
// templates whose first step may be started by an external event.
type Template struct {
	ID              string
	Name            string
	EventName       string
	FirstStepAction string
	EventTriggered  bool
}

// Period is the calendar month a run operates on.
type Period struct {
	Year  int
	Month int
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Valid reports whether the period is inside the accepted range.
func (p Period) Valid() bool {
	return p.Year >= 2000 && p.Year <= 2100 && p.Month >= 1 && p.Month <= 12
}

// PreviousMonth returns the default period for a trigger fired at now:
// the calendar month before the one containing now.
func PreviousMonth(now time.Time) Period {
	y, m, _ := now.AddDate(0, -1, -now.Day()+1).Date()
	return Period{Year: y, Month: int(m)}
}

// ErrRunConflict is returned by a Runner when the template already has a
// run in progress for the requested period.
var ErrRunConflict = errors.New("workflow: run already in progress")

// Runner starts a workflow run. Implementations enforce their own
// timeouts; callers do not wrap the invocation in an extra deadline.
type Runner interface {
	Invoke(ctx context.Context, templateID string, period Period) (runID string, err error)
}

// allowedActions is the fixed execution allow-list for first steps
// started from a trigger. Anything else is rejected before the runner
// is touched.
var allowedActions = map[string]struct{}{
	"scrape_receipts": {},
	"fetch_invoices":  {},
	"export_report":   {},
	"sync_ledger":     {},
}

// AllowedAction reports whether a first-step action may be started by a
// trigger.
func AllowedAction(action string) bool {
	_, ok := allowedActions[action]
	return ok
}
