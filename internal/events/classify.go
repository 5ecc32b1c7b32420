package events

import (
	"errors"

	"triggerd/internal/workflow"
)

// Rejection taxonomy. Every failure or rejection carries one of these
// classes; the class alone decides the retry advice.
const (
	ClassAuth              = "auth"
	ClassValidation        = "validation"
	ClassTemplateConflict  = "template_conflict"
	ClassUnsupportedAction = "unsupported_action"
	ClassRunConflict       = "run_conflict"
	ClassInfra             = "infra"
	ClassDuplicate         = "duplicate"
)

const (
	AdviceDoNotRetry       = "do_not_retry"
	AdviceRetryAfterFix    = "retry_after_fix"
	AdviceRetryWithBackoff = "retry_with_backoff"
)

// Advice maps a reason class to what the caller should do next.
// Duplicate is informational. Caller-input problems need a corrected
// resend. Runner-side trouble is queued and retried automatically.
func Advice(class string) string {
	switch class {
	case ClassDuplicate:
		return AdviceDoNotRetry
	case ClassAuth, ClassValidation, ClassTemplateConflict, ClassUnsupportedAction:
		return AdviceRetryAfterFix
	case ClassRunConflict, ClassInfra:
		return AdviceRetryWithBackoff
	default:
		return AdviceRetryAfterFix
	}
}

// classifyInvoke maps a runner error onto a class and code.
func classifyInvoke(err error) (class, code string) {
	if errors.Is(err, workflow.ErrRunConflict) {
		return ClassRunConflict, "run_in_progress"
	}
	return ClassInfra, "runner_error"
}
