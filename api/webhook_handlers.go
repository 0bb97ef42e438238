package api

import (
	"io"
	"net/http"

	"github.com/flowdash-app/flowdash-backend/internal/crypto"
	"github.com/flowdash-app/flowdash-backend/internal/respcache"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/flowdash-app/flowdash-backend/internal/upstream"
	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body
const SignatureHeader = "X-Flowdash-Signature"

const maxWebhookBody = 1 << 20

// ReceiveWebhook accepts an execution event from an n8n instance and drops the
// cached first page of its executions so the next listing is fresh.
func (s *Server) ReceiveWebhook(c *gin.Context) {
	logger := slogging.GetContextLogger(c)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		HandleRequestError(c, InvalidInputError("unable to read request body"))
		return
	}
	if s.deps.WebhookSecret == "" || !crypto.VerifyPayload(body, c.GetHeader(SignatureHeader), s.deps.WebhookSecret) {
		logger.Warn("Rejected webhook with invalid signature")
		HandleRequestError(c, UnauthorizedError("invalid webhook signature"))
		return
	}

	ctx := c.Request.Context()
	instanceID := c.Param("instance_id")
	exists, err := s.deps.Instances.Exists(ctx, instanceID)
	if err != nil {
		HandleRequestError(c, err)
		return
	}
	if !exists {
		HandleRequestError(c, NotFoundError("instance not found"))
		return
	}

	defaults := upstream.ListExecutionsParams{}.Normalize().CacheParams()
	s.deps.Cache.Invalidate(ctx, respcache.ExecutionsScope(instanceID), defaults)
	logger.Debug("Webhook for instance %s invalidated cached executions", instanceID)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
