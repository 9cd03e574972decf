package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNew_DisabledRecordsLocally(t *testing.T) {
	for name, cfg := range map[string]*Config{"nil": nil, "disabled": {Enabled: false}} {
		t.Run(name, func(t *testing.T) {
			p, err := New(context.Background(), cfg)
			require.NoError(t, err)
			require.NotNil(t, p.Tracer())
			require.NotNil(t, p.Meter())
			require.Nil(t, p.tracerProvider, "nothing is exported")
			require.NotNil(t, p.requestCounter)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "spendvault", cfg.ServiceName)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.False(t, cfg.Enabled)
}

func TestSamplerFor(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(2).Description())
	require.Equal(t, sdktrace.NeverSample().Description(), samplerFor(0).Description())
	require.Contains(t, samplerFor(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestTrackOperation(t *testing.T) {
	p := Nop()

	ctx, finish := p.TrackOperation(context.Background(), "reconcile", VaultOperation("0xabc")...)
	require.NotNil(t, ctx)
	time.Sleep(time.Millisecond)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "execute", ExecutionOperation("0xdef", "sponsored")...)
	finish(errors.New("boom"))
}

func TestDomainCounters(t *testing.T) {
	p := Nop()
	ctx := context.Background()

	// none of these may panic on a disabled provider
	p.RecordAttempt(ctx, "estimate+personal_sign", "")
	p.RecordAttempt(ctx, "fixed+eth_sign", "signature_validation_failure")
	p.RecordExecution(ctx, "success", "sponsored")
	p.RecordSync(ctx, "explorer", nil)
	p.RecordSync(ctx, "explorer", errors.New("upstream"))
	p.RecordError(ctx, errors.New("x"), attribute.String("k", "v"))

	var nilProvider *Provider
	nilProvider.RecordAttempt(ctx, "r", "")
	nilProvider.RecordExecution(ctx, "failed", "fee_token")
	nilProvider.RecordSync(ctx, "explorer", nil)
}

func TestStartSpanAndEvent(t *testing.T) {
	p := Nop()
	ctx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, span)
	AddSpanEvent(ctx, "rung.failed", AttrRung.String("fixed+personal_sign"))
	span.End()
}

func TestShutdown(t *testing.T) {
	p := Nop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}
