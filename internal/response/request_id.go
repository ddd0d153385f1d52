package response

import (
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID carries the correlation ID between the kiosk and the bridge.
const HeaderRequestID = "X-Request-ID"

const requestIDKey = "request_id"

// kioskRequestID bounds what a kiosk may send as its own correlation ID; the
// value ends up in log lines.
var kioskRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

// RequestID tags every request with a correlation ID, reusing the kiosk's own
// when it is well formed.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if !kioskRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// RequestIDFrom returns the correlation ID of c, or "" when RequestID did not run.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
