package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"mindmitra/services/couples-api/internal/utils/platformerrors"
)

const (
	// RequestIDHeader is the header the id is read from and echoed back on.
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the gin context key the id lands under.
	RequestIDKey = "request_id"
)

// RequestID propagates the caller's X-Request-ID or mints a new one. The id
// is stored on the request context so error envelopes can carry it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Request = c.Request.WithContext(
			platformerrors.ContextWithRequestID(c.Request.Context(), requestID),
		)
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID returns the request id set by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(RequestIDKey); exists {
		if requestID, ok := id.(string); ok {
			return requestID
		}
	}
	return ""
}
