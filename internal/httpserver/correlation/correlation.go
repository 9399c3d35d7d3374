// Package correlation propagates the per-request correlation id used for
// cross-service tracing. The id never influences an admission decision.
package correlation

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header is the wire header carrying the correlation id.
const Header = "X-Correlation-ID"

const ctxKey = "correlation_id"

// Middleware accepts a client-supplied correlation id or generates one,
// stores it in the request context, and echoes it on the response.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(Header))
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ctxKey, id)
		c.Header(Header, id)
		c.Next()
	}
}

// FromContext returns the request's correlation id.
func FromContext(c *gin.Context) string {
	v, _ := c.Get(ctxKey)
	s, _ := v.(string)
	return s
}
