// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package logger adapts log sinks other than logrus for public.WithLogger.

	client, err := public.New(ctx, clientID, public.WithLogger(logger.Slog(slog.Default())))

Tokens are never part of a log line; they are logged as their length only.
*/
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
)

// CallbackFunc defines the signature for callback functions
// we can only have one string to support azure sdk
type CallbackFunc func(level, message string)

type Level = logger.Level

const (
	Info  Level = logger.Info
	Err   Level = logger.Err
	Warn  Level = logger.Warn
	Debug Level = logger.Debug
)

// Logger sends the client's log lines to a callback or a *slog.Logger.
type Logger struct {
	logging     *slog.Logger
	logCallback CallbackFunc
}

// Callback returns a Logger that renders each line, fields included, into one
// message for fn.
func Callback(fn CallbackFunc) *Logger {
	return &Logger{logCallback: fn}
}

// Slog returns a Logger that writes through l. A nil l uses slog.Default().
func Slog(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{logging: l}
}

// Log implements the logging interface the client writes to.
func (a *Logger) Log(ctx context.Context, level Level, message string, fields ...any) {
	if a == nil {
		return
	}
	lf := logger.Fields(ctx, fields...)
	keys := make([]string, 0, len(lf))
	for k := range lf {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if a.logCallback != nil {
		var sb strings.Builder
		sb.WriteString(message)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, lf[k])
		}
		a.logCallback(string(level), sb.String())
		return
	}
	if a.logging == nil {
		return
	}

	var slogLevel slog.Level
	switch level {
	case Info:
		slogLevel = slog.LevelInfo
	case Err:
		slogLevel = slog.LevelError
	case Warn:
		slogLevel = slog.LevelWarn
	case Debug:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, lf[k]))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a.logging.LogAttrs(ctx, slogLevel, message, attrs...)
}

var _ logger.LoggerInterface = (*Logger)(nil)
