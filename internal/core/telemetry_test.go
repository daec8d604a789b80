// AngelaMos | 2026
// telemetry_test.go

package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/carterperez-dev/haven-auth/internal/config"
)

func recordSpan(t *testing.T, fn func(ctx context.Context)) sdktrace.ReadOnlySpan {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "auth.Refresh")
	fn(ctx)
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	return ended[0]
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestNewTelemetryDisabled(t *testing.T) {
	cfg := &config.Config{
		Otel:       config.OtelConfig{Enabled: false, ServiceName: "haven-auth"},
		TokenStore: config.TokenStoreConfig{Driver: config.StoreDriverRedis},
	}

	tel, err := NewTelemetry(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)

	ctx, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	assert.NotEmpty(t, TraceIDFromContext(ctx))

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestServiceAttributesIncludeTokenStore(t *testing.T) {
	cfg := &config.Config{
		App:        config.AppConfig{Version: "1.2.0", Environment: "staging"},
		Otel:       config.OtelConfig{ServiceName: "haven-auth"},
		TokenStore: config.TokenStoreConfig{Driver: config.StoreDriverPostgres},
	}

	attrs := attrMap(serviceAttributes(cfg))
	assert.Equal(t, "postgres", attrs[AttrTokenStore].AsString())
	assert.Equal(t, "staging", attrs["environment"].AsString())
}

func TestSampleRateBounds(t *testing.T) {
	assert.InDelta(t, 0.1, sampleRate(0), 1e-9)
	assert.InDelta(t, 0.1, sampleRate(1.5), 1e-9)
	assert.InDelta(t, 0.25, sampleRate(0.25), 1e-9)
}

func TestTraceIDWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestRecordTokenReuse(t *testing.T) {
	span := recordSpan(t, func(ctx context.Context) {
		TagTokenFamily(ctx, "user-1", "family-1")
		RecordTokenReuse(ctx, "user-1", "family-1")
		RecordRevocation(ctx, "user-1", "reuse_detected", 3)
	})

	attrs := attrMap(span.Attributes())
	assert.Equal(t, "user-1", attrs[AttrUserID].AsString())
	assert.Equal(t, "family-1", attrs[AttrFamilyID].AsString())

	events := span.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventTokenReuse, events[0].Name)
	assert.Equal(t, EventRevocation, events[1].Name)

	revoked := attrMap(events[1].Attributes)
	assert.Equal(t, "reuse_detected", revoked[AttrRevokeReason].AsString())
	assert.Equal(t, int64(3), revoked[AttrRevokedCount].AsInt64())
}

func TestSetSpanError(t *testing.T) {
	span := recordSpan(t, func(ctx context.Context) {
		SetSpanError(ctx, errors.New("token store unavailable"))
	})

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "token store unavailable", span.Status().Description)
	require.Len(t, span.Events(), 1)
	assert.Equal(t, "exception", span.Events()[0].Name)
}
