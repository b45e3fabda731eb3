// Package middleware contains Gin middleware shared across the HTTP surface.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wrightline/meshsignal/internal/v1/logging"
)

// HeaderXCorrelationID is the header carrying the request's correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns a correlation id to every request, reusing one the
// caller already supplied so traces survive a hop through a proxy.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
