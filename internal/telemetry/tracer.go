// Package telemetry provides OpenTelemetry tracing for scans.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ppiankov/otterhound/internal/store"
)

// Attribute keys used on scan spans.
const (
	AttrTargetCount = attribute.Key("otterhound.targets")
	AttrStatus      = attribute.Key("otterhound.status")
	AttrTLSVersion  = attribute.Key("tls.protocol.version")
	AttrChainLength = attribute.Key("otterhound.tls.chain_length")
)

// InitTracer sets up an OTLP trace exporter. If endpoint is empty, returns a
// noop tracer and a no-op shutdown function.
func InitTracer(ctx context.Context, endpoint, serviceName, serviceVersion string) (trace.Tracer, func(context.Context) error, error) {
	if endpoint == "" {
		t := noop.NewTracerProvider().Tracer(serviceName)
		return t, func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	tracer := tp.Tracer(serviceName)
	return tracer, tp.Shutdown, nil
}

// StartTargetSpan starts a child span for probing t.
func StartTargetSpan(ctx context.Context, tracer trace.Tracer, t store.Target) (context.Context, trace.Span) {
	return tracer.Start(ctx, "probe "+t.Key(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.NetworkPeerAddress(t.Host),
			semconv.NetworkPeerPort(int(t.Port)),
			semconv.NetworkTransportTCP,
		),
	)
}

// EndTargetSpan records the outcome of a target on span and ends it.
func EndTargetSpan(span trace.Span, res store.ProbeResult, summary *store.TLSSummary, tlsErr error) {
	span.SetAttributes(AttrStatus.String(string(res.Status)))
	if summary != nil {
		span.SetAttributes(
			AttrTLSVersion.String(summary.Version),
			AttrChainLength.Int(len(summary.Chain)),
		)
	}
	switch {
	case res.Status == store.StatusError:
		span.SetStatus(codes.Error, res.Error)
	case tlsErr != nil:
		span.RecordError(tlsErr)
		span.SetStatus(codes.Error, tlsErr.Error())
	}
	span.End()
}
