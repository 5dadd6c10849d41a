// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package logger is the structured logging seam used by every package in the module.
// The default implementation writes through logrus.
package logger

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

type Level string

const (
	Info  Level = "info"
	Err   Level = "error"
	Warn  Level = "warn"
	Debug Level = "debug"
)

// LoggerInterface defines the methods that a logger should implement
type LoggerInterface interface {
	Log(ctx context.Context, level Level, message string, fields ...any)
}

type correlationKey struct{}

// WithCorrelationID returns a context whose log lines carry the correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id stored in ctx, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// New returns a LoggerInterface around a *logrus.Logger or *logrus.Entry. Any other
// value, including nil, gets a default logrus logger writing to stderr at info level.
func New(loggerInterface interface{}) (LoggerInterface, error) {
	switch l := loggerInterface.(type) {
	case nil:
		return &logger{entry: log.NewEntry(log.New())}, nil
	case *log.Logger:
		return &logger{entry: log.NewEntry(l)}, nil
	case *log.Entry:
		return &logger{entry: l}, nil
	case LoggerInterface:
		return l, nil
	}
	return nil, fmt.Errorf("logger type %T is not supported, use *logrus.Logger or *logrus.Entry", loggerInterface)
}

// Discard returns a logger that drops every line.
func Discard() LoggerInterface {
	l := log.New()
	l.SetOutput(io.Discard)
	return &logger{entry: log.NewEntry(l)}
}

type logger struct {
	entry *log.Entry
}

type field struct {
	key   string
	value any
}

// Field creates a structured field for Log.
func Field(key string, value any) any {
	return field{key: key, value: value}
}

// Fields collects the correlation id of ctx and fields, which are Field() values or
// alternating key/value pairs, into logrus fields.
func Fields(ctx context.Context, fields ...any) log.Fields {
	lf := make(log.Fields, len(fields)+1)
	if id := CorrelationID(ctx); id != "" {
		lf["correlation_id"] = id
	}
	for i := 0; i < len(fields); i++ {
		switch f := fields[i].(type) {
		case field:
			lf[f.key] = f.value
		case string:
			if i+1 < len(fields) {
				lf[f] = fields[i+1]
				i++
			} else {
				lf["!BADKEY"] = f
			}
		default:
			lf["!BADKEY"] = f
		}
	}
	return lf
}

// Log writes message at level. fields are Field() values or alternating key/value pairs.
func (a *logger) Log(ctx context.Context, level Level, message string, fields ...any) {
	if a == nil || a.entry == nil {
		return
	}
	lf := Fields(ctx, fields...)

	e := a.entry.WithFields(lf)
	if ctx != nil {
		e = e.WithContext(ctx)
	}
	switch level {
	case Err:
		e.Error(message)
	case Warn:
		e.Warn(message)
	case Debug:
		e.Debug(message)
	default:
		e.Info(message)
	}
}

// Secret renders a token for logging without leaking it.
func Secret(s string) string {
	if s == "" {
		return "<empty>"
	}
	return fmt.Sprintf("<redacted len=%d>", len(s))
}
