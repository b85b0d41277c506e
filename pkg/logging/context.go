package logging

import (
	"context"
)

const (
	TraceIDKey      = "trace_id"
	OccurrenceIDKey = "occurrence_id"
	ServiceNameKey  = "service_name"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithOccurrenceID(ctx context.Context, occurrenceID string) context.Context {
	return context.WithValue(ctx, OccurrenceIDKey, occurrenceID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

func GetOccurrenceID(ctx context.Context) string {
	if occurrenceID, ok := ctx.Value(OccurrenceIDKey).(string); ok {
		return occurrenceID
	}
	return ""
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 6)

	if traceID := GetTraceID(ctx); traceID != "" {
		fields = append(fields, "trace_id", traceID)
	}

	if occurrenceID := GetOccurrenceID(ctx); occurrenceID != "" {
		fields = append(fields, "occurrence_id", occurrenceID)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, "service_name", serviceName)
	}

	return fields
}
