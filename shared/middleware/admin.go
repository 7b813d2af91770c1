package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

const headerAdminToken = "X-Admin-Token"

// RequireAdminToken guards the administrative API. An empty token disables
// every admin route.
func RequireAdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(headerAdminToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			utils.UnauthorizedResponse(c, "admin token required")
			c.Abort()
			return
		}
		c.Next()
	}
}
