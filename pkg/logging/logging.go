// Package logging provides structured JSON logging for engine modules.
//
// Every line carries timestamp (ISO 8601 UTC), level, module, event and
// an optional context map. In dry-run mode context.dry_run=true is
// forced onto every entry.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger pre-tagged with a module name.
type Logger struct {
	*logrus.Logger
	module string
	dryRun bool
}

// utcHook normalizes entry timestamps to UTC so the formatter emits a
// trailing Z.
type utcHook struct{}

func (utcHook) Levels() []logrus.Level { return logrus.AllLevels }

func (utcHook) Fire(e *logrus.Entry) error {
	e.Time = e.Time.UTC()
	return nil
}

// New creates a Logger for the given module at the given level
// ("debug", "info", "warn", "error").
func New(module, level string) *Logger {
	l := logrus.New()

	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	l.SetLevel(lv)

	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "event",
		},
	})
	l.AddHook(utcHook{})
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, module: module}
}

// NewFromEnv constructs a logger using the LOG_LEVEL environment
// variable, defaulting to "info".
func NewFromEnv(module string) *Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return New(module, level)
}

// SetOutput redirects log output (used by tests).
func (l *Logger) SetOutput(w io.Writer) { l.Logger.SetOutput(w) }

// SetDryRun marks every subsequent entry with context.dry_run=true.
func (l *Logger) SetDryRun(on bool) { l.dryRun = on }

// Named returns a child logger for a submodule sharing the same
// underlying logrus instance and dry-run flag.
func (l *Logger) Named(module string) *Logger {
	return &Logger{Logger: l.Logger, module: module, dryRun: l.dryRun}
}

// Event returns an entry tagged with the module and context map, ready
// for Info/Warn/Error with the event name as the message.
func (l *Logger) Event(ctx map[string]interface{}) *logrus.Entry {
	if l.dryRun {
		if ctx == nil {
			ctx = map[string]interface{}{}
		}
		ctx["dry_run"] = true
	}
	entry := l.Logger.WithField("module", l.module)
	if len(ctx) > 0 {
		entry = entry.WithField("context", ctx)
	}
	return entry
}

// Plain returns an entry tagged with the module only.
func (l *Logger) Plain() *logrus.Entry {
	return l.Event(nil)
}

// Timestamp returns now in the wire format used by the logs.
func Timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
