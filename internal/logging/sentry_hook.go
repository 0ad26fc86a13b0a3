package logging

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// SentryHook forwards logrus entries at the configured levels to Sentry.
type SentryHook struct {
	levels []logrus.Level
}

// NewSentryHook creates the hook. With nil levels warnings and above are
// forwarded.
func NewSentryHook(levels []logrus.Level) *SentryHook {
	if levels == nil {
		levels = []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
			logrus.WarnLevel,
		}
	}
	return &SentryHook{levels: levels}
}

// Fire is called when a log event is fired.
func (hook *SentryHook) Fire(entry *logrus.Entry) error {
	if sentry.CurrentHub() == nil {
		return nil
	}

	event := sentry.NewEvent()
	event.Timestamp = entry.Time
	event.Message = entry.Message
	event.Level = logrusLevelToSentryLevel(entry.Level)
	event.Logger = "logrus"

	event.Extra = make(map[string]interface{})
	for k, v := range entry.Data {
		event.Extra[k] = v
	}

	if err, ok := entry.Data["error"].(error); ok {
		event.Exception = []sentry.Exception{{
			Type:  fmt.Sprintf("%T", err),
			Value: err.Error(),
		}}
	}

	event.Tags = make(map[string]string)
	if module, ok := entry.Data["module"].(string); ok {
		event.Tags["module"] = module
	}
	if method, ok := entry.Data["method"].(string); ok {
		event.Tags["http.method"] = method
	}
	if path, ok := entry.Data["path"].(string); ok {
		event.Tags["http.path"] = path
	}
	if status, ok := entry.Data["status"].(int); ok {
		event.Tags["http.status_code"] = fmt.Sprintf("%d", status)
	}
	if category, ok := entry.Data["category"].(string); ok {
		event.Tags["failure.category"] = category
	}
	if key, ok := entry.Data["key"].(string); ok {
		event.Tags["storage.key"] = key
	}
	if ownerID, ok := entry.Data["owner_id"].(int64); ok {
		event.Tags["owner_id"] = fmt.Sprintf("%d", ownerID)
	}

	sentry.CurrentHub().CaptureEvent(event)
	return nil
}

// Levels returns the logging levels for which the hook is fired.
func (hook *SentryHook) Levels() []logrus.Level {
	return hook.levels
}

// logrusLevelToSentryLevel converts logrus log levels to Sentry levels
func logrusLevelToSentryLevel(level logrus.Level) sentry.Level {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return sentry.LevelFatal
	case logrus.ErrorLevel:
		return sentry.LevelError
	case logrus.WarnLevel:
		return sentry.LevelWarning
	case logrus.InfoLevel:
		return sentry.LevelInfo
	case logrus.DebugLevel, logrus.TraceLevel:
		return sentry.LevelDebug
	default:
		return sentry.LevelInfo
	}
}

// BreadcrumbHook records informational entries as Sentry breadcrumbs so an
// eventual error event carries the preceding workflow steps.
type BreadcrumbHook struct {
	levels []logrus.Level
}

// NewBreadcrumbHook creates a new breadcrumb hook for logrus
func NewBreadcrumbHook(levels []logrus.Level) *BreadcrumbHook {
	if levels == nil {
		levels = []logrus.Level{
			logrus.InfoLevel,
			logrus.WarnLevel,
			logrus.ErrorLevel,
		}
	}
	return &BreadcrumbHook{levels: levels}
}

// Fire is called when a log event is fired.
func (hook *BreadcrumbHook) Fire(entry *logrus.Entry) error {
	if sentry.CurrentHub() == nil {
		return nil
	}

	breadcrumb := &sentry.Breadcrumb{
		Type:      "log",
		Category:  "logrus",
		Message:   entry.Message,
		Level:     logrusLevelToSentryLevel(entry.Level),
		Data:      make(map[string]interface{}),
		Timestamp: entry.Time,
	}

	for k, v := range entry.Data {
		switch k {
		case "module", "method", "path", "status", "category", "key", "owner_id", "prefix":
			breadcrumb.Data[k] = v
		}
	}

	sentry.CurrentHub().Scope().AddBreadcrumb(breadcrumb, 0)
	return nil
}

// Levels returns the logging levels for which the hook is fired.
func (hook *BreadcrumbHook) Levels() []logrus.Level {
	return hook.levels
}
