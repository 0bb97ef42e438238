package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/quota"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/gin-gonic/gin"
)

// QuotaDeniedResponse is the body of a 429 from the consume endpoint
type QuotaDeniedResponse struct {
	Detail     string       `json:"detail"`
	QuotaType  string       `json:"quota_type"`
	Reason     quota.Reason `json:"reason"`
	Limit      int          `json:"limit"`
	Used       int64        `json:"used"`
	Plan       string       `json:"plan"`
	RetryAfter int          `json:"retry_after,omitempty"`
}

// ResetQuotaRequest is the body of the admin reset endpoint
type ResetQuotaRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	QuotaType string `json:"quota_type"`
	// Date is YYYY-MM-DD; empty means today
	Date string `json:"date"`
}

// QuotaStatus reports the caller's usage for today
func (s *Server) QuotaStatus(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	status, err := s.deps.Quota.Status(c.Request.Context(), user.ID)
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ConsumeQuota checks and then spends one unit of a quota type
func (s *Server) ConsumeQuota(c *gin.Context) {
	user, ok := mustUser(c)
	if !ok {
		return
	}
	qt, err := quota.ParseQuotaType(c.Param("type"))
	if err != nil {
		HandleRequestError(c, err)
		return
	}

	ctx := c.Request.Context()
	decision, err := s.deps.Quota.Check(ctx, user.ID, qt)
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	if decision.Allowed {
		decision, err = s.deps.Quota.Increment(ctx, user.ID, qt)
		if err != nil {
			HandleRequestError(c, err)
			return
		}
	}
	if !decision.Allowed {
		slogging.GetContextLogger(c).Info("Quota %s denied for user %s: %s", qt, user.ID, decision.Reason)
		writeQuotaDenied(c, decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func writeQuotaDenied(c *gin.Context, d quota.Decision) {
	if d.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(d.RetryAfter))
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, QuotaDeniedResponse{
		Detail:     denialDetail(d),
		QuotaType:  string(d.QuotaType),
		Reason:     d.Reason,
		Limit:      d.Limit,
		Used:       d.Used,
		Plan:       string(d.Plan),
		RetryAfter: d.RetryAfter,
	})
}

func denialDetail(d quota.Decision) string {
	if d.Reason == quota.ReasonHourlyLimitReached {
		return fmt.Sprintf("Hourly %s limit of %d reached. Upgrade your plan for higher limits.", d.QuotaType, d.HourlyLimit)
	}
	return fmt.Sprintf("Daily %s limit of %d reached on the %s plan. Upgrade your plan for higher limits.", d.QuotaType, d.Limit, d.Plan)
}

// ResetQuota zeroes counters for a user. quota_type and date narrow the reset.
func (s *Server) ResetQuota(c *gin.Context) {
	var req ResetQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleRequestError(c, InvalidInputError("user_id is required"))
		return
	}

	var qt *quota.QuotaType
	if req.QuotaType != "" {
		parsed, err := quota.ParseQuotaType(req.QuotaType)
		if err != nil {
			HandleRequestError(c, err)
			return
		}
		qt = &parsed
	}
	var date *time.Time
	if req.Date != "" {
		parsed, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			HandleRequestError(c, InvalidInputError("date must be YYYY-MM-DD"))
			return
		}
		date = &parsed
	}

	rows, err := s.deps.Quota.Reset(c.Request.Context(), req.UserID, qt, date)
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	admin, _ := currentUser(c)
	slogging.GetContextLogger(c).Info("Admin %s reset %d quota counters for user %s", admin.ID, rows, req.UserID)
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "counters_reset": rows})
}
