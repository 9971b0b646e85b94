package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/user/piximg-go/internal/config"
)

// AdminAuth protects the admin surface with either the bearer secret or
// the admin basic credentials.
func AdminAuth(sec config.SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			if subtle.ConstantTimeCompare([]byte(token), []byte(sec.SecretKey)) == 1 {
				c.Next()
				return
			}
		}
		if username, password, ok := c.Request.BasicAuth(); ok {
			userOK := subtle.ConstantTimeCompare([]byte(username), []byte(sec.AdminUsername)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(password), []byte(sec.AdminPassword)) == 1
			if userOK && passOK {
				c.Next()
				return
			}
		}
		c.Header("WWW-Authenticate", `Bearer realm="admin"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"ok":         false,
			"code":       "UNAUTHORIZED",
			"request_id": c.GetString(RequestIDKey),
		})
	}
}
