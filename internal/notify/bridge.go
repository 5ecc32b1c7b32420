package notify

import (
	"context"
	"errors"
	"fmt"

	"triggerd/internal/eventbus"
	logx "triggerd/pkg/logx"
)

// RunBridge forwards escalation events from the bus into the notifier.
// Publishers never talk to the notifier directly; this loop is the only
// coupling point.
func RunBridge(ctx context.Context, bus eventbus.Bus, svc *Service, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			msg, relevant := messageFor(e)
			if !relevant {
				continue
			}
			if err := svc.Notify(ctx, msg); err != nil && !errors.Is(err, ErrDisabled) {
				log.Warn("alert enqueue failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func messageFor(e eventbus.Event) (Message, bool) {
	data, _ := e.Data.(map[string]any)
	switch e.Type {
	case "retryjob.escalated":
		return Message{
			Title: "Retry job escalated",
			Text: fmt.Sprintf("job %v gave up after %v attempts (%v/%v), manual intervention needed",
				data["job_id"], data["attempts"], data["reason_class"], data["reason_code"]),
			Priority: 9,
			At:       e.Time,
		}, true
	case "slot.retry_exhausted":
		return Message{
			Title: "Scheduled run failed",
			Text: fmt.Sprintf("template %v slot %v exhausted retries: %v",
				data["template_id"], data["slot_key"], data["error"]),
			Priority: 7,
			At:       e.Time,
		}, true
	default:
		return Message{}, false
	}
}
