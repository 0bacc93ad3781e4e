package notify

import (
	"context"

	logx "taskmind/pkg/logx"
)

// LogSender writes notifications to the structured log. Always registered,
// so deliveries remain observable even with no external channel configured.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (l *LogSender) Name() string { return "log" }

func (l *LogSender) Send(_ context.Context, m Message) error {
	l.log.Info("notification",
		logx.String("user_id", m.UserID),
		logx.String("task_id", m.TaskID),
		logx.String("title", m.Title),
		logx.String("text", m.Text),
		logx.Int("priority", m.Priority))
	return nil
}
