// Package traces provides OpenTelemetry distributed tracing for the order
// coordinator and its chain calls.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/agentbazaar"

// Config selects the exporter and how much to sample.
type Config struct {
	Endpoint    string // OTLP gRPC collector; empty disables tracing
	Version     string
	Environment string
	// SampleRatio is the fraction of root traces kept. Zero keeps all.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown
// function. Without an endpoint spans are dropped by the default no-op
// provider.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("agentbazaar"),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", ratio)
	return tp.Shutdown, nil
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartServerSpan starts the root span of an inbound request.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
}

// Span attributes shared across packages.

func AgentAddr(addr string) attribute.KeyValue { return attribute.String("agent.addr", addr) }

func Amount(amount string) attribute.KeyValue { return attribute.String("order.amount_usdc", amount) }

func OrderID(id string) attribute.KeyValue { return attribute.String("order.id", id) }

func Action(action string) attribute.KeyValue { return attribute.String("order.action", action) }

func SettlementKey(key string) attribute.KeyValue { return attribute.String("settlement.key", key) }

func TxHash(hash string) attribute.KeyValue { return attribute.String("chain.tx_hash", hash) }
