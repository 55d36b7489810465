package services

import "context"

type contextKey string

const (
	datasetIDKey contextKey = "dataset_id"
	unitIDKey    contextKey = "unit_id"
	stageKey     contextKey = "stage"
	sessionKey   contextKey = "session"
	requestIDKey contextKey = "request_id"
)

// WithDatasetID annotates context with the catalog dataset identifier.
func WithDatasetID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, datasetIDKey, id)
}

// DatasetIDFromContext extracts the dataset identifier if present.
func DatasetIDFromContext(ctx context.Context) (int64, bool) {
	return int64FromContext(ctx, datasetIDKey)
}

// WithUnitID annotates context with the catalog tilt-series identifier.
func WithUnitID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, unitIDKey, id)
}

// UnitIDFromContext extracts the tilt-series identifier if present.
func UnitIDFromContext(ctx context.Context) (int64, bool) {
	return int64FromContext(ctx, unitIDKey)
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithSession annotates context with the stage session name.
func WithSession(ctx context.Context, session string) context.Context {
	if session == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFromContext returns the stage session name if present.
func SessionFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(sessionKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func int64FromContext(ctx context.Context, key contextKey) (int64, bool) {
	v := ctx.Value(key)
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}
