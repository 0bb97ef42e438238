package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key holding the user id resolved during admission
const UserIDKey = "user_id"

// Middleware applies l to every request
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := l.Admit(c.Request.Context(), Request{
			Path:          c.Request.URL.Path,
			Authorization: c.GetHeader("Authorization"),
			ForwardedFor:  c.GetHeader("X-Forwarded-For"),
			RealIP:        c.GetHeader("X-Real-IP"),
			RemoteAddr:    c.Request.RemoteAddr,
		})

		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail":      res.Detail,
				"retry_after": res.RetryAfter,
			})
			return
		}

		if res.IdentityKind == IdentityUser {
			c.Set(UserIDKey, res.Identity)
			if !res.Tester && res.Limit > 0 {
				c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))
			}
		}
		c.Next()
	}
}
