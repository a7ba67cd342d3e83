package gateway

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"github.com/sandbox-fleet/fleetd/pkg/manager/logs"
)

const adminKeyHeader = "X-Admin-Key"

// requestContextMiddleware gives every request a logger carrying a fresh
// contextID plus the route, so handler logs line up with one request.
func requestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logs.NewContextFrom(c.Request.Context(), "method", c.Request.Method, "path", c.FullPath())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// adminKeyMiddleware rejects requests whose X-Admin-Key does not match.
// An empty configured key disables the check entirely.
func adminKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		presented := c.GetHeader(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid admin key",
			})
			return
		}
		c.Next()
	}
}

// abortWithError maps fleet error codes onto HTTP statuses.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch fleeterrors.GetErrCode(err) {
	case fleeterrors.ErrorValidation:
		status = http.StatusBadRequest
	case fleeterrors.ErrorNotFound:
		status = http.StatusNotFound
	case fleeterrors.ErrorCapacity:
		status = http.StatusTooManyRequests
		c.Header("Retry-After", "5")
	case fleeterrors.ErrorConflict:
		status = http.StatusConflict
	case fleeterrors.ErrorPolicyDenied, fleeterrors.ErrorBrokerDenied:
		status = http.StatusForbidden
	case fleeterrors.ErrorTransient, fleeterrors.ErrorTimeout:
		status = http.StatusBadGateway
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   string(fleeterrors.GetErrCode(err)),
		"message": err.Error(),
	})
}
