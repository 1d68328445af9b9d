package pipeline

import (
	"context"

	"go.uber.org/zap"
)

// Notification is sent for NotifyOnly outcomes
type Notification struct {
	JobID     string `json:"job_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Branch    string `json:"branch"`
	ResultURL string `json:"result_url,omitempty"`
}

// Notifier delivers pipeline outcomes
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates the default notifier
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Infow("Job outcome",
		"job_id", n.JobID,
		"success", n.Success,
		"message", n.Message,
		"branch", n.Branch,
		"result_url", n.ResultURL)
	return nil
}
