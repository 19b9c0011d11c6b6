package context

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	MethodKey    = ContextKey("X-Method")
	RouteKey     = ContextKey("X-Route")
	RemoteIPKey  = ContextKey("X-Remote-Ip")
	SyncIDKey    = ContextKey("X-Sync-Id")
	SourceKey    = ContextKey("X-Source")
	JobIDKey     = ContextKey("X-Job-Id")
)

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return getString(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return getString(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return getString(ctx, RemoteIPKey)
}

// SetSyncID tags every job spawned by one sync run with the same id.
func SetSyncID(ctx context.Context, syncID string) context.Context {
	return context.WithValue(ctx, SyncIDKey, syncID)
}

func GetSyncID(ctx context.Context) string {
	return getString(ctx, SyncIDKey)
}

func SetSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

func GetSource(ctx context.Context) string {
	return getString(ctx, SourceKey)
}

func SetJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

func GetJobID(ctx context.Context) string {
	return getString(ctx, JobIDKey)
}

// LogFields returns the pipeline identifiers carried by ctx, for WithFields.
func LogFields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	if v := GetSyncID(ctx); v != "" {
		fields["sync_id"] = v
	}
	if v := GetSource(ctx); v != "" {
		fields["source"] = v
	}
	if v := GetJobID(ctx); v != "" {
		fields["job_id"] = v
	}
	return fields
}
