// Package observability provides OpenTelemetry tracing for the pipeworks
// daemons.
//
//	tp, err := observability.InitTracer(ctx, observability.DefaultTracerConfig("pipeworks"))
//	defer tp.Shutdown(ctx)
//
//	ctx, span := observability.StartSpan(ctx, observability.SpanRunPipeline)
//	defer span.End()
package observability
