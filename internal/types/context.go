package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	jobKey       contextKey = "job"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithJobName tags the context with the scheduled job it runs under
// (e.g. "generate_digests"). Outbound clients forward it for tracing.
func WithJobName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, jobKey, name)
}

// GetJobName returns the job tag set by WithJobName, or "".
func GetJobName(ctx context.Context) string {
	name, _ := ctx.Value(jobKey).(string)
	return name
}
