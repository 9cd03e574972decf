package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecordAttempt counts one signing attempt. kind is empty on success.
func (p *Provider) RecordAttempt(ctx context.Context, rung, kind string) {
	if p == nil || p.attemptCounter == nil {
		return
	}
	outcome := "accepted"
	if kind != "" {
		outcome = kind
	}
	p.attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rung", rung),
		attribute.String("outcome", outcome),
	))
}

// RecordExecution counts one terminal execution result.
func (p *Provider) RecordExecution(ctx context.Context, status, payment string) {
	if p == nil || p.executionCounter == nil {
		return
	}
	p.executionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("payment", payment),
	))
}

// RecordSync counts one activity sync job.
func (p *Provider) RecordSync(ctx context.Context, source string, err error) {
	if p == nil || p.syncCounter == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.syncCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}
