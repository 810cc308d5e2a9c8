package ai

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

var tracer = otel.Tracer("github.com/kiranshivaraju/promptbatch/internal/ai")

// StartSpan opens a span around one provider completion.
func StartSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, provider+".complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ai.provider", provider),
			attribute.String("ai.model", model),
		),
	)
}

// EndSpan records usage or the error and ends the span.
func EndSpan(span trace.Span, usage models.Usage, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.Int("ai.usage.prompt_tokens", usage.PromptTokens),
			attribute.Int("ai.usage.completion_tokens", usage.CompletionTokens),
			attribute.Bool("ai.usage.estimated", usage.Estimated),
		)
	}
	span.End()
}
