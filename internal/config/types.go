package config

// Config is the full configuration file. JSON or YAML on disk; YAML is
// coerced to JSON so both formats go through the same strict decoder.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	Trigger    TriggerConfig    `json:"trigger"`
	Queues     *QueuesConfig    `json:"queues,omitempty"`
	Worker     WorkerConfig     `json:"worker"`
	Escalation EscalationConfig `json:"escalation"`
	Workflow   WorkflowConfig   `json:"workflow"`
	Notifier   NotifierConfig   `json:"notifier"`
	LLM        LLMConfig        `json:"llm"`
	Telegram   *TelegramConfig  `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TriggerConfig controls the due scan loop.
//
// Defaults: interval "1m", batch_size 50.
type TriggerConfig struct {
	Interval  string `json:"interval,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// QueuesConfig declares the routing table. Omitted means the built-in
// declaration (ai_tasks, notification_tasks, maintenance_tasks).
type QueuesConfig struct {
	Queues []QueueDecl       `json:"queues"`
	Routes map[string]string `json:"routes,omitempty"` // task kind -> queue name
}

type QueueDecl struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Capacity int    `json:"capacity,omitempty"`
}

// WorkerConfig controls the execution pool.
//
// Defaults: workers 4, retry_max 2 (3 attempts), retry_base "1s",
// retry_max_delay "30s", attempt_timeout "2m".
type WorkerConfig struct {
	Workers        int     `json:"workers,omitempty"`
	RetryMax       int     `json:"retry_max,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty"`
}

// EscalationConfig controls miss counting and segmentation.
//
// Defaults: threshold 3, min_children 3, max_children 5,
// fallback_window "24h".
type EscalationConfig struct {
	Threshold      int    `json:"threshold,omitempty"`
	MinChildren    int    `json:"min_children,omitempty"`
	MaxChildren    int    `json:"max_children,omitempty"`
	FallbackWindow string `json:"fallback_window,omitempty"`
}

// WorkflowConfig controls conversation dependency graphs.
//
// Defaults: max_depth 6, idle_ttl "24h", sweep_interval "10m".
type WorkflowConfig struct {
	MaxDepth      int    `json:"max_depth,omitempty"`
	IdleTTL       string `json:"idle_ttl,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// NotifierConfig controls the delivery pipeline.
//
// Defaults: workers 2, queue_size 256, rate_per_sec 3, retry_max 0,
// retry_base "500ms", retry_max_delay "10s", dedup_window "0s" (off).
type NotifierConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

// LLMConfig configures the model executor.
type LLMConfig struct {
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

// TelegramConfig enables the telegram notification channel. Omitted means
// only the log channel is registered.
type TelegramConfig struct {
	Token       string           `json:"token"`
	Chats       map[string]int64 `json:"chats,omitempty"`
	DefaultChat int64            `json:"default_chat,omitempty"`
}
