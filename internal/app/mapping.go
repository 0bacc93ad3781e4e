package app

import (
	"fmt"
	"strings"
	"time"

	"taskmind/internal/config"
	"taskmind/internal/escalate"
	"taskmind/internal/llm"
	"taskmind/internal/notify"
	"taskmind/internal/queue"
	"taskmind/internal/segment"
	"taskmind/internal/task"
	"taskmind/internal/trigger"
	"taskmind/internal/worker"
	"taskmind/internal/workflow"
	logx "taskmind/pkg/logx"
)

// The map* helpers translate the config file into component configs. Each
// one parses its duration strings, so running them all doubles as the
// hot-reload validator.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (task.StoreConfig, error) {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return task.StoreConfig{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return task.StoreConfig{}, err
	}
	return task.StoreConfig{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	interval, err := config.ParseDuration("trigger.interval", cfg.Trigger.Interval, time.Minute)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Interval:  interval,
		BatchSize: cfg.Trigger.BatchSize,
	}, nil
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	if cfg.Queues == nil {
		return queue.DefaultConfig()
	}
	qc := queue.Config{Routes: map[task.Kind]string{}}
	for _, d := range cfg.Queues.Queues {
		qc.Queues = append(qc.Queues, queue.Declaration{
			Name:     d.Name,
			Priority: d.Priority,
			Capacity: d.Capacity,
		})
	}
	for kind, target := range cfg.Queues.Routes {
		qc.Routes[task.Kind(kind)] = target
	}
	// Kinds the file doesn't route fall back to the built-in table.
	for kind, target := range queue.DefaultConfig().Routes {
		if _, ok := qc.Routes[kind]; !ok {
			qc.Routes[kind] = target
		}
	}
	return qc
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	base, err := config.ParseDuration("worker.retry_base", cfg.Worker.RetryBase, 0)
	if err != nil {
		return worker.Config{}, err
	}
	maxDelay, err := config.ParseDuration("worker.retry_max_delay", cfg.Worker.RetryMaxDelay, 0)
	if err != nil {
		return worker.Config{}, err
	}
	attempt, err := config.ParseDuration("worker.attempt_timeout", cfg.Worker.AttemptTimeout, 0)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Workers:        cfg.Worker.Workers,
		RetryMax:       cfg.Worker.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		RetryJitter:    cfg.Worker.RetryJitter,
		AttemptTimeout: attempt,
	}, nil
}

func mapEscalateConfig(cfg *config.Config) escalate.Config {
	return escalate.Config{Threshold: cfg.Escalation.Threshold}
}

func mapSegmentConfig(cfg *config.Config) (segment.Config, error) {
	window, err := config.ParseDuration("escalation.fallback_window", cfg.Escalation.FallbackWindow, 0)
	if err != nil {
		return segment.Config{}, err
	}
	return segment.Config{
		MinChildren:    cfg.Escalation.MinChildren,
		MaxChildren:    cfg.Escalation.MaxChildren,
		FallbackWindow: window,
	}, nil
}

func mapWorkflowConfig(cfg *config.Config) (workflow.Config, error) {
	ttl, err := config.ParseDuration("workflow.idle_ttl", cfg.Workflow.IdleTTL, 0)
	if err != nil {
		return workflow.Config{}, err
	}
	sweep, err := config.ParseDuration("workflow.sweep_interval", cfg.Workflow.SweepInterval, 0)
	if err != nil {
		return workflow.Config{}, err
	}
	return workflow.Config{
		MaxDepth:      cfg.Workflow.MaxDepth,
		IdleTTL:       ttl,
		SweepInterval: sweep,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	base, err := config.ParseDuration("notifier.retry_base", cfg.Notifier.RetryBase, 0)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDuration("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay, 0)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDuration("notifier.dedup_window", cfg.Notifier.DedupWindow, 0)
	if err != nil {
		return notify.Config{}, err
	}
	sendTimeout, err := config.ParseDuration("notifier.send_timeout", cfg.Notifier.SendTimeout, 0)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Workers:         cfg.Notifier.Workers,
		QueueSize:       cfg.Notifier.QueueSize,
		RatePerSec:      cfg.Notifier.RatePerSec,
		RetryMax:        cfg.Notifier.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: cfg.Notifier.DedupMaxEntries,
		SendTimeout:     sendTimeout,
	}, nil
}

func mapLLMConfig(cfg *config.Config) (llm.OpenAIConfig, error) {
	timeout, err := config.ParseDuration("llm.timeout", cfg.LLM.Timeout, 60*time.Second)
	if err != nil {
		return llm.OpenAIConfig{}, err
	}
	return llm.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     timeout,
	}, nil
}
