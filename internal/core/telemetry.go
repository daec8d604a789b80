// AngelaMos | 2026
// telemetry.go

package core

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/carterperez-dev/haven-auth/internal/config"
)

// Span attributes and events recorded across the session lifecycle.
const (
	AttrUserID       = attribute.Key("session.user_id")
	AttrFamilyID     = attribute.Key("session.family_id")
	AttrRevokeReason = attribute.Key("session.revoke_reason")
	AttrRevokedCount = attribute.Key("session.revoked_count")
	AttrTokenStore   = attribute.Key("session.token_store")

	EventTokenReuse = "refresh_token.reuse_detected"
	EventRevocation = "refresh_token.revoked"
)

const (
	defaultSampling  = 0.1
	exporterTimeout  = 5 * time.Second
	shutdownDeadline = 10 * time.Second
)

type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
}

func NewTelemetry(ctx context.Context, cfg *config.Config) (*Telemetry, error) {
	// Propagation is installed even without an exporter so inbound trace
	// headers still correlate log lines.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Otel.Enabled || cfg.Otel.Endpoint == "" {
		noopProvider := sdktrace.NewTracerProvider()
		return &Telemetry{
			TracerProvider: noopProvider,
			Tracer:         noopProvider.Tracer(cfg.Otel.ServiceName),
		}, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Otel.Endpoint),
		otlptracegrpc.WithTimeout(exporterTimeout),
	}
	if cfg.Otel.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(serviceAttributes(cfg)...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(exporterTimeout),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(sampleRate(cfg.Otel.SampleRate)),
		)),
	)

	otel.SetTracerProvider(tp)

	return &Telemetry{
		TracerProvider: tp,
		Tracer:         tp.Tracer(cfg.Otel.ServiceName),
	}, nil
}

// serviceAttributes tags every span with the token store backing the
// instance, so traces from postgres and redis deployments can be told apart.
func serviceAttributes(cfg *config.Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(cfg.Otel.ServiceName),
		semconv.ServiceVersion(cfg.App.Version),
		attribute.String("environment", cfg.App.Environment),
		AttrTokenStore.String(cfg.TokenStore.Driver),
	}
}

func sampleRate(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return defaultSampling
	}
	return rate
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.TracerProvider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownDeadline)
	defer cancel()

	if err := t.TracerProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}

	return nil
}

func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// TagTokenFamily annotates the current span with the owner and family of the
// refresh token being handled.
func TagTokenFamily(ctx context.Context, userID, familyID string) {
	trace.SpanFromContext(ctx).SetAttributes(
		AttrUserID.String(userID),
		AttrFamilyID.String(familyID),
	)
}

func RecordTokenReuse(ctx context.Context, userID, familyID string) {
	trace.SpanFromContext(ctx).AddEvent(EventTokenReuse, trace.WithAttributes(
		AttrUserID.String(userID),
		AttrFamilyID.String(familyID),
	))
}

func RecordRevocation(ctx context.Context, userID, reason string, count int64) {
	trace.SpanFromContext(ctx).AddEvent(EventRevocation, trace.WithAttributes(
		AttrUserID.String(userID),
		AttrRevokeReason.String(reason),
		AttrRevokedCount.Int64(count),
	))
}

func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
