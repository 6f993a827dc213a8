package httpmw

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/tracing"
)

// TraceIDHeader is the inbound header a client may use to correlate a
// workflow with an existing distributed trace.
const TraceIDHeader = "x-trace-id"

const traceIDContextKey = "flowforge.trace_id"

// TraceID extracts or mints the request trace id. A supplied x-trace-id
// header is honored when well-formed (32 hex chars); anything else is
// replaced with a generated id.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if !tracing.ValidTraceID(traceID) {
			traceID = tracing.NewTraceID()
		}
		c.Set(traceIDContextKey, traceID)
		ctx := context.WithValue(c.Request.Context(), logger.TraceIDKey, traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(TraceIDHeader, traceID)
		c.Next()
	}
}

// TraceIDFromContext returns the trace id minted by the TraceID middleware,
// or "" when the middleware did not run.
func TraceIDFromContext(c *gin.Context) string {
	traceID, _ := c.Get(traceIDContextKey)
	s, _ := traceID.(string)
	return s
}

// OtelTracing creates a Gin middleware that wraps each request in an OTel span.
// When tracing is disabled (no OTEL_EXPORTER_OTLP_ENDPOINT), this is a no-op.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		spanName := fmt.Sprintf("%s %s", c.Request.Method, path)

		ctx, span := tracer.Start(c.Request.Context(), spanName)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			attribute.Int("http.response.size", c.Writer.Size()),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
