package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const RequestIDHeader = "X-Request-ID"

type (
	requestIDKey struct{}
	clientIDKey  struct{}
)

// requestID echoes a caller-supplied UUID in X-Request-ID or assigns a new
// one. The id doubles as the trace id of exported verdict records.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(RequestIDHeader))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set(RequestIDHeader, id.String())
		ctx := context.WithValue(r.Context(), requestIDKey{}, id.String())
		next.ServeHTTP(w, r.WithContext(withTraceContext(ctx, id)))
	})
}

// withTraceContext derives a span context from id unless ctx already has one.
func withTraceContext(ctx context.Context, id uuid.UUID) context.Context {
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	var (
		tid trace.TraceID
		sid trace.SpanID
	)
	copy(tid[:], id[:])
	copy(sid[:], id[8:])
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
	if !sc.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, sc)
}

// RequestIDFrom returns the request id stored by the router, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ClientIDFrom returns the API key client id of an authenticated request, or
// "".
func ClientIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}
