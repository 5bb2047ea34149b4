package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalrules/engine"
)

// RuleObserver records parse, evaluation and combine outcomes into
// OpenTelemetry.
type RuleObserver struct {
	tracer trace.Tracer

	parses             metric.Int64Counter
	parseFailures      metric.Int64Counter
	evaluations        metric.Int64Counter
	evaluationFailures metric.Int64Counter
	evaluationDuration metric.Float64Histogram
	combines           metric.Int64Counter
}

// NewRuleObserver creates a rule observer bound to the provided meter/tracer.
// tracer may be nil to record metrics only.
func NewRuleObserver(meter metric.Meter, tracer trace.Tracer) (*RuleObserver, error) {
	parses, err := meter.Int64Counter(
		"petalrules.rule.parses",
		metric.WithDescription("Number of rule texts parsed"),
	)
	if err != nil {
		return nil, err
	}
	parseFailures, err := meter.Int64Counter(
		"petalrules.rule.parse_failures",
		metric.WithDescription("Number of rule texts rejected by the lexer or parser"),
	)
	if err != nil {
		return nil, err
	}
	evaluations, err := meter.Int64Counter(
		"petalrules.rule.evaluations",
		metric.WithDescription("Number of rule evaluations"),
	)
	if err != nil {
		return nil, err
	}
	evaluationFailures, err := meter.Int64Counter(
		"petalrules.rule.evaluation_failures",
		metric.WithDescription("Number of rule evaluations that returned an error"),
	)
	if err != nil {
		return nil, err
	}
	evaluationDuration, err := meter.Float64Histogram(
		"petalrules.rule.evaluation.duration",
		metric.WithDescription("Rule evaluation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	combines, err := meter.Int64Counter(
		"petalrules.rule.combines",
		metric.WithDescription("Number of combine requests"),
	)
	if err != nil {
		return nil, err
	}

	return &RuleObserver{
		tracer:             tracer,
		parses:             parses,
		parseFailures:      parseFailures,
		evaluations:        evaluations,
		evaluationFailures: evaluationFailures,
		evaluationDuration: evaluationDuration,
		combines:           combines,
	}, nil
}

// ObserveParse records one parse attempt.
func (o *RuleObserver) ObserveParse(observation engine.ParseObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", observation.Source),
		attribute.Bool("success", observation.Success),
	}
	ctx := context.Background()
	o.parses.Add(ctx, 1, metric.WithAttributes(attrs...))
	if !observation.Success {
		o.parseFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", observation.Source),
			attribute.String("error_code", observation.ErrorCode),
		))
	}
}

// ObserveEvaluate records one evaluation and, when a tracer is set, a
// rule.evaluate span covering it.
func (o *RuleObserver) ObserveEvaluate(observation engine.EvaluateObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("stored", observation.RuleID != ""),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.evaluations.Add(ctx, 1, options)
	o.evaluationDuration.Record(ctx, observation.Duration.Seconds(), options)
	if !observation.Success {
		o.evaluationFailures.Add(ctx, 1, options)
	}

	if o.tracer == nil {
		return
	}
	start := observation.Start
	if start.IsZero() {
		start = time.Now().Add(-observation.Duration)
	}
	spanAttrs := append(attrs, attribute.Bool("result", observation.Result))
	if observation.RuleID != "" {
		spanAttrs = append(spanAttrs, attribute.String("petalrules.rule_id", observation.RuleID))
	}
	if observation.RuleName != "" {
		spanAttrs = append(spanAttrs, attribute.String("petalrules.rule_name", observation.RuleName))
	}
	_, span := o.tracer.Start(ctx, "rule.evaluate",
		trace.WithAttributes(spanAttrs...),
		trace.WithTimestamp(start),
	)
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(start.Add(observation.Duration)))
}

// ObserveCombine records one combine request.
func (o *RuleObserver) ObserveCombine(observation engine.CombineObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", string(observation.Op)),
		attribute.Int("rules", observation.Count),
		attribute.Bool("saved", observation.Saved),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.combines.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

var _ engine.Observer = (*RuleObserver)(nil)
