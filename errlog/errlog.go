// Package errlog is the structured error/event logging layer shared by
// the orchestrator and engine: every error goes to logrus, plus Sentry
// when a DSN is configured.
package errlog

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

var enabled bool

// Init configures Sentry reporting. dsn empty disables it; LogError and
// LogEvent still log to logrus either way.
func Init(dsn string) error {
	if dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return err
	}
	enabled = true
	return nil
}

// LogError reports err with structured context to logrus and, if
// configured, Sentry.
func LogError(errorType string, err error, context map[string]interface{}) {
	entry := logrus.WithFields(logrus.Fields{
		"error_type": errorType,
		"error":      err.Error(),
	})
	for k, v := range context {
		entry = entry.WithField(k, v)
	}
	entry.Error("error occurred")

	if !enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_type", errorType)
		for k, v := range context {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// LogEvent records a non-error event, surfaced as a Sentry breadcrumb
// when Sentry is configured.
func LogEvent(eventType string, data map[string]interface{}) {
	entry := logrus.WithField("event_type", eventType)
	for k, v := range data {
		entry = entry.WithField(k, v)
	}
	entry.Info("event occurred")

	if !enabled {
		return
	}
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "info",
		Category:  eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}
