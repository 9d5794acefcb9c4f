// Package logging builds the service's slog loggers. Request, order and
// agent identifiers placed on a context are attached to every record logged
// with that context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	orderIDKey
	agentKey
	loggerKey
)

// New returns a logger writing to stdout.
func New(level, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter returns a logger writing to w. format is "json" or "text";
// unknown levels fall back to info.
func NewWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}

	var base slog.Handler
	if strings.EqualFold(format, "json") {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(contextHandler{base})
}

// ParseLevel maps debug, info, warn and error (any case) to a level.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// contextHandler copies identifiers from the record's context onto it.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RequestID(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if id := OrderID(ctx); id != "" {
		r.AddAttrs(slog.String("order_id", id))
	}
	if agent := Agent(ctx); agent != "" {
		r.AddAttrs(slog.String("agent", agent))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithOrderID tags ctx with the order a request or settlement acts on.
func WithOrderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, orderIDKey, id)
}

func OrderID(ctx context.Context) string {
	id, _ := ctx.Value(orderIDKey).(string)
	return id
}

// WithAgent tags ctx with the authenticated agent address.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

func Agent(ctx context.Context) string {
	agent, _ := ctx.Value(agentKey).(string)
	return agent
}

// WithLogger stores logger on ctx for handlers that only see the request.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored on ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the request logger with ctx's identifiers bound as attributes,
// for call sites that log without passing a context.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	var attrs []any
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if id := OrderID(ctx); id != "" {
		attrs = append(attrs, "order_id", id)
	}
	if agent := Agent(ctx); agent != "" {
		attrs = append(attrs, "agent", agent)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
