package api

import (
	"net/http"
	"strings"

	"github.com/flowdash-app/flowdash-backend/internal/apperr"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-denial error response
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RequestError represents an error that should be returned as an HTTP response
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// HandleRequestError sends an appropriate HTTP error response. Classified
// errors from the control plane are mapped by kind; anything else is a 500.
func HandleRequestError(c *gin.Context, err error) {
	reqErr, ok := err.(*RequestError)
	if !ok {
		reqErr = fromAppError(err)
	}
	if reqErr.Status >= http.StatusInternalServerError {
		slogging.GetContextLogger(c).Error("Request failed: %v", err)
	}
	if reqErr.Status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	c.AbortWithStatusJSON(reqErr.Status, ErrorResponse{
		Error:            reqErr.Code,
		ErrorDescription: reqErr.Message,
	})
}

func fromAppError(err error) *RequestError {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return NotFoundError(err.Error())
	case apperr.KindInvalidArgument:
		return InvalidInputError(err.Error())
	case apperr.KindUnavailable:
		return &RequestError{Status: http.StatusServiceUnavailable, Code: "unavailable", Message: "A backing service is unavailable"}
	default:
		return ServerError("Internal server error: " + truncateBeforeStackTrace(err.Error()))
	}
}

// InvalidInputError creates a RequestError for validation failures
func InvalidInputError(message string) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Code: "invalid_input", Message: message}
}

// NotFoundError creates a RequestError for resource not found
func NotFoundError(message string) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Code: "not_found", Message: message}
}

// ServerError creates a RequestError for internal server errors
func ServerError(message string) *RequestError {
	return &RequestError{Status: http.StatusInternalServerError, Code: "server_error", Message: message}
}

// ForbiddenError creates a RequestError for forbidden access
func ForbiddenError(message string) *RequestError {
	return &RequestError{Status: http.StatusForbidden, Code: "forbidden", Message: message}
}

func UnauthorizedError(message string) *RequestError {
	return &RequestError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: message}
}

// BadGatewayError reports a failed call to a user's n8n instance
func BadGatewayError(message string) *RequestError {
	return &RequestError{Status: http.StatusBadGateway, Code: "upstream_error", Message: message}
}

// truncateBeforeStackTrace keeps stack traces out of responses
func truncateBeforeStackTrace(errMsg string) string {
	for _, marker := range []string{"\ngoroutine ", "\n\t", "panic:"} {
		if i := strings.Index(errMsg, marker); i >= 0 {
			errMsg = errMsg[:i]
		}
	}
	return strings.TrimSpace(errMsg)
}
