// Package logger sets up JSON slog output for the engine and carries a
// per-decision trace id through context.Context, so every order attempt
// of one crossover or trailing trigger can be correlated.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type traceKey struct{}

// Init creates the process logger for service, writing JSON to stdout,
// and installs it as the slog default. Standard log output is routed
// through it as well.
func Init(service string, level slog.Level) *slog.Logger {
	return New(os.Stdout, service, level)
}

// New is Init with an explicit writer.
func New(w io.Writer, service string, level slog.Level) *slog.Logger {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With(slog.String("service", service))
	slog.SetDefault(l)
	return l
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID returns the id stored by WithTraceID, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// GenerateTraceID names one trading decision: scope (campaign/instrument)
// and the decision's timestamp in nanoseconds. The same decision always
// gets the same id, which lines up with its client order id.
func GenerateTraceID(scope string, ts time.Time) string {
	return scope + "-" + strconv.FormatInt(ts.UnixNano(), 10)
}

// LogWithTrace returns the trace_id attribute for slog calls, or nil:
//
//	slog.Warn("attempt failed", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	if id := TraceID(ctx); id != "" {
		return []any{slog.String("trace_id", id)}
	}
	return nil
}
