// Package logging builds the logrus loggers used across the module.
package logging

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

// New returns a logger writing to w. Verbosity accepts a level name or a
// number from 0 (silent) to 5 (trace); format is "text" or "json".
func New(w io.Writer, verbosity, format string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(w)

	switch strings.ToLower(verbosity) {
	case "0", "silent":
		l.SetOutput(io.Discard)
	case "1", "error":
		l.SetLevel(logrus.ErrorLevel)
	case "2", "warn":
		l.SetLevel(logrus.WarnLevel)
	case "3", "info", "":
		l.SetLevel(logrus.InfoLevel)
	case "4", "debug":
		l.SetLevel(logrus.DebugLevel)
	case "5", "trace":
		l.SetLevel(logrus.TraceLevel)
	default:
		return nil, fmt.Errorf("unknown verbosity level %q", verbosity)
	}

	switch strings.ToLower(format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return l, nil
}

// Discard returns a logger that drops everything.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}

// NewHTTPAccessLogHandler logs every request at level in the combined log
// format.
func NewHTTPAccessLogHandler(logger *logrus.Logger, level logrus.Level, message string) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return handlers.CustomLoggingHandler(nil, h, func(_ io.Writer, p handlers.LogFormatterParams) {
			logger.WithFields(logrus.Fields{
				"method":   p.Request.Method,
				"uri":      p.URL.RequestURI(),
				"status":   p.StatusCode,
				"size":     p.Size,
				"ip":       p.Request.RemoteAddr,
				"duration": time.Since(p.TimeStamp).String(),
			}).Log(level, message)
		})
	}
}
