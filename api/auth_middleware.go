package api

import (
	"errors"

	"github.com/flowdash-app/flowdash-backend/internal/apperr"
	"github.com/flowdash-app/flowdash-backend/internal/ratelimit"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/users"
	"github.com/gin-gonic/gin"
)

const userRecordKey = "user_record"

// RequireUser resolves the calling user. The admission middleware may already
// have verified the token; otherwise the bearer token is verified here.
func (s *Server) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ratelimit.UserIDKey)
		if userID == "" {
			if s.deps.Tokens == nil {
				HandleRequestError(c, UnauthorizedError("authentication is not configured"))
				return
			}
			id, err := s.deps.Tokens.UserID(c.GetHeader("Authorization"))
			if err != nil {
				slogging.GetContextLogger(c).Debug("Rejected bearer token: %v", err)
				HandleRequestError(c, UnauthorizedError("a valid bearer token is required"))
				return
			}
			userID = id
		}

		record, err := s.deps.Users.Resolve(c.Request.Context(), userID)
		if err != nil {
			if apperr.IsNotFound(err) {
				HandleRequestError(c, UnauthorizedError("unknown or inactive user"))
				return
			}
			HandleRequestError(c, err)
			return
		}

		c.Set(ratelimit.UserIDKey, record.ID)
		c.Set(userRecordKey, record)
		c.Next()
	}
}

// RequireAdmin admits configured administrators and testers
func (s *Server) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := currentUser(c)
		if !ok || !(record.IsTester || s.admins[record.ID]) {
			HandleRequestError(c, ForbiddenError("administrator access required"))
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) (users.Record, bool) {
	v, ok := c.Get(userRecordKey)
	if !ok {
		return users.Record{}, false
	}
	record, ok := v.(users.Record)
	return record, ok
}

var errNoUser = errors.New("no authenticated user on request")

func mustUser(c *gin.Context) (users.Record, bool) {
	record, ok := currentUser(c)
	if !ok {
		HandleRequestError(c, errNoUser)
	}
	return record, ok
}
