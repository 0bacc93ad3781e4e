package app

import (
	"testing"
	"time"

	"taskmind/internal/config"
	"taskmind/internal/queue"
	"taskmind/internal/task"
)

func baseConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Path: "./data/tasks.db"},
		LLM:     config.LLMConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.BusyTimeout != 5*time.Second {
		t.Fatalf("default busy timeout = %v", sc.BusyTimeout)
	}

	cfg.Storage.BusyTimeout = "250ms"
	sc, err = mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.BusyTimeout != 250*time.Millisecond {
		t.Fatalf("busy timeout = %v", sc.BusyTimeout)
	}

	cfg.Storage.Path = ""
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestMapQueueConfigDefault(t *testing.T) {
	t.Parallel()

	qc := mapQueueConfig(baseConfig())
	if len(qc.Queues) != 3 {
		t.Fatalf("default queues = %d, want 3", len(qc.Queues))
	}
	if qc.Routes[task.KindReminder] != queue.QueueNotification {
		t.Fatalf("reminder routed to %q", qc.Routes[task.KindReminder])
	}
}

func TestMapQueueConfigCustomFillsMissingRoutes(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Queues = &config.QueuesConfig{
		Queues: []config.QueueDecl{
			{Name: queue.QueueAI, Priority: 10},
			{Name: queue.QueueNotification, Priority: 20},
		},
		Routes: map[string]string{string(task.KindReminder): queue.QueueAI},
	}
	qc := mapQueueConfig(cfg)
	if qc.Routes[task.KindReminder] != queue.QueueAI {
		t.Fatalf("explicit route ignored: %q", qc.Routes[task.KindReminder])
	}
	// Kinds the file doesn't mention keep their built-in target.
	if qc.Routes[task.KindAutomation] != queue.QueueAI {
		t.Fatalf("automation routed to %q", qc.Routes[task.KindAutomation])
	}
}

func TestMapWorkerConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Worker = config.WorkerConfig{Workers: 8, RetryMax: 1, RetryBase: "2s"}
	wc, err := mapWorkerConfig(cfg)
	if err != nil {
		t.Fatalf("mapWorkerConfig: %v", err)
	}
	if wc.Workers != 8 || wc.RetryMax != 1 || wc.RetryBase != 2*time.Second {
		t.Fatalf("unexpected worker config: %+v", wc)
	}

	cfg.Worker.AttemptTimeout = "forever"
	if _, err := mapWorkerConfig(cfg); err == nil {
		t.Fatal("bad attempt_timeout accepted")
	}
}

func TestMapLLMConfigDefaultTimeout(t *testing.T) {
	t.Parallel()

	lc, err := mapLLMConfig(baseConfig())
	if err != nil {
		t.Fatalf("mapLLMConfig: %v", err)
	}
	if lc.Timeout != 60*time.Second {
		t.Fatalf("default timeout = %v", lc.Timeout)
	}
}
