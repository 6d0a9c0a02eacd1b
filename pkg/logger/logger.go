package logger

import (
	"bytes"
	"log/slog"
	"os"
)

// Enviroment selects the logger's verbosity. Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

// NewLogger creates a new slog.Logger writing JSON to stdout.
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a logger writing text-formatted records into a
// buffer a test can inspect, at debug level, without a source attribute.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	buf := &bytes.Buffer{}
	h := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return buf, slog.New(h)
}

// ErrAttr wraps an error as a standard "error" slog attribute.
func ErrAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
