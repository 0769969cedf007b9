package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/pipeworks-io/pipeworks/observability"
)

// Tracing opens one span per request on the global tracer and threads its
// context through to the handlers, so service-layer spans nest under it.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.StartSpan(c.Request.Context(), observability.SpanHTTPRequest)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		observability.SetSpanAttribute(ctx, "http.method", c.Request.Method)
		observability.SetSpanAttribute(ctx, "http.route", c.FullPath())

		c.Next()

		observability.SetSpanAttribute(ctx, "http.status_code", c.Writer.Status())
	}
}
