package app

import (
	"fmt"
	"strings"
	"time"

	"triggerd/internal/events"
	"triggerd/internal/httpapi"
	"triggerd/internal/notify"
	"triggerd/internal/retryq"
	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	"triggerd/internal/workflow"
	logx "triggerd/pkg/logx"
)

// The map* helpers translate the on-disk config into per-component
// settings. They are shared between NewApp, the live settings closures,
// and the config validator, so a duration typo is rejected at reload
// time instead of surfacing mid-tick.

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerSettings(cfg *Config) (trigger.Settings, error) {
	if cfg == nil {
		return trigger.Settings{}, nil
	}
	sc := cfg.Scheduler

	poll, err := parseDurationField("scheduler.poll_interval", sc.PollInterval)
	if err != nil {
		return trigger.Settings{}, err
	}
	retryDelay, err := parseDurationField("scheduler.retry_delay", sc.RetryDelay)
	if err != nil {
		return trigger.Settings{}, err
	}
	leaseTTL, err := parseDurationField("scheduler.lease_ttl", sc.LeaseTTL)
	if err != nil {
		return trigger.Settings{}, err
	}

	loc := time.UTC
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return trigger.Settings{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	retryMax := sc.RetryMax
	if retryMax == 0 {
		retryMax = 1
	} else if retryMax < 0 {
		retryMax = 0
	}

	return trigger.Settings{
		PollInterval: poll,
		RetryMax:     retryMax,
		RetryDelay:   retryDelay,
		LeaseTTL:     leaseTTL,
		Location:     loc,
	}, nil
}

func mapEventsSettings(cfg *Config) (events.Settings, error) {
	if cfg == nil {
		return events.Settings{}, nil
	}
	ttl, err := parseDurationField("events.receipt_ttl", cfg.Events.ReceiptTTL)
	if err != nil {
		return events.Settings{}, err
	}
	return events.Settings{
		ReceiptTTL: ttl,
		ReceiptMax: cfg.Events.ReceiptMax,
	}, nil
}

func mapRetryQueueSettings(cfg *Config) (retryq.Settings, error) {
	if cfg == nil {
		return retryq.Settings{}, nil
	}
	rq := cfg.RetryQueue

	base, err := parseDurationField("retry_queue.base_delay", rq.BaseDelay)
	if err != nil {
		return retryq.Settings{}, err
	}
	maxDelay, err := parseDurationField("retry_queue.max_delay", rq.MaxDelay)
	if err != nil {
		return retryq.Settings{}, err
	}
	terminalTTL, err := parseDurationField("retry_queue.terminal_ttl", rq.TerminalTTL)
	if err != nil {
		return retryq.Settings{}, err
	}
	drain, err := parseDurationField("retry_queue.drain_interval", rq.DrainInterval)
	if err != nil {
		return retryq.Settings{}, err
	}
	claimTTL, err := parseDurationField("retry_queue.claim_ttl", rq.ClaimTTL)
	if err != nil {
		return retryq.Settings{}, err
	}

	return retryq.Settings{
		MaxAttempts:   rq.MaxAttempts,
		BaseDelay:     base,
		MaxDelay:      maxDelay,
		TerminalTTL:   terminalTTL,
		MaxSize:       rq.MaxSize,
		DrainInterval: drain,
		ClaimTTL:      claimTTL,
	}, nil
}

func drainEnabled(cfg *Config) bool {
	if cfg == nil || cfg.RetryQueue.DrainEnabled == nil {
		return true
	}
	return *cfg.RetryQueue.DrainEnabled
}

func mapHTTPSettings(cfg *Config) httpapi.Settings {
	if cfg == nil {
		return httpapi.Settings{}
	}
	return httpapi.Settings{
		EventToken: cfg.HTTP.EventToken,
		RatePerSec: cfg.HTTP.RatePerSec,
	}
}

func httpAddr(cfg *Config) string {
	if cfg != nil {
		if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
			return addr
		}
	}
	return "127.0.0.1:8090"
}

func mapNotifierConfig(cfg *Config) (notify.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notify.Config{}, nil
	}
	nc := cfg.Notifier

	base, err := parseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := parseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	window, err := parseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}

	return notify.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   window,
	}, nil
}

func mapRunnerTimeout(cfg *Config) (time.Duration, error) {
	if cfg == nil {
		return 30 * time.Second, nil
	}
	return parseDurationOrDefault("runner.timeout", cfg.Runner.Timeout, 30*time.Second)
}

func templatesOf(cfg *Config) []workflow.Template {
	if cfg == nil {
		return nil
	}
	out := make([]workflow.Template, 0, len(cfg.Templates))
	for _, t := range cfg.Templates {
		out = append(out, workflow.Template{
			ID:              t.ID,
			Name:            t.Name,
			EventName:       t.EventName,
			FirstStepAction: t.FirstStepAction,
			EventTriggered:  t.EventTriggered,
		})
	}
	return out
}

func validateTemplates(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for i, t := range cfg.Templates {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("templates[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("templates[%d].id %q is declared twice", i, id)
		}
		seen[id] = struct{}{}
		if t.EventTriggered && strings.TrimSpace(t.FirstStepAction) == "" {
			return fmt.Errorf("templates[%d] (%s): first_step_action is required for event-triggered templates", i, id)
		}
	}
	return nil
}
