package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without touching the
// network. Watch runs it before committing a reload, main runs it once at
// startup.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return errors.New("llm.api_key is required")
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return errors.New("llm.model is required")
	}
	if c.Telegram != nil && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required when the section is present")
	}

	for path, raw := range map[string]string{
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"trigger.interval":           c.Trigger.Interval,
		"worker.retry_base":          c.Worker.RetryBase,
		"worker.retry_max_delay":     c.Worker.RetryMaxDelay,
		"worker.attempt_timeout":     c.Worker.AttemptTimeout,
		"escalation.fallback_window": c.Escalation.FallbackWindow,
		"workflow.idle_ttl":          c.Workflow.IdleTTL,
		"workflow.sweep_interval":    c.Workflow.SweepInterval,
		"notifier.retry_base":        c.Notifier.RetryBase,
		"notifier.retry_max_delay":   c.Notifier.RetryMaxDelay,
		"notifier.dedup_window":      c.Notifier.DedupWindow,
		"notifier.send_timeout":      c.Notifier.SendTimeout,
		"llm.timeout":                c.LLM.Timeout,
	} {
		if _, err := ParseDuration(path, raw, 0); err != nil {
			return err
		}
	}

	if c.Escalation.MinChildren > 0 && c.Escalation.MaxChildren > 0 &&
		c.Escalation.MinChildren > c.Escalation.MaxChildren {
		return fmt.Errorf("escalation: min_children %d > max_children %d",
			c.Escalation.MinChildren, c.Escalation.MaxChildren)
	}

	if c.Queues != nil {
		if len(c.Queues.Queues) == 0 {
			return errors.New("queues: section present but no queues declared")
		}
		seen := map[string]bool{}
		for _, q := range c.Queues.Queues {
			name := strings.TrimSpace(q.Name)
			if name == "" {
				return errors.New("queues: queue with empty name")
			}
			if seen[name] {
				return fmt.Errorf("queues: %q declared twice", name)
			}
			seen[name] = true
		}
		for kind, target := range c.Queues.Routes {
			if !seen[target] {
				return fmt.Errorf("queues: route %s -> %s targets an undeclared queue", kind, target)
			}
		}
	}
	return nil
}
