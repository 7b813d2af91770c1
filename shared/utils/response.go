package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ErrorResponse sends an error response
func ErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusBadRequest, message)
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusUnauthorized, message)
}

// ForbiddenResponse sends a 403 Forbidden response
func ForbiddenResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusForbidden, message)
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusNotFound, message)
}

// InternalServerErrorResponse sends a 500 Internal Server Error response
func InternalServerErrorResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusInternalServerError, message)
}

// ServiceUnavailableResponse sends a 503 Service Unavailable response
func ServiceUnavailableResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusServiceUnavailable, message)
}

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, message string, data interface{}) {
	SuccessResponse(c, http.StatusCreated, message, data)
}

// OKResponse sends a 200 OK response
func OKResponse(c *gin.Context, message string, data interface{}) {
	SuccessResponse(c, http.StatusOK, message, data)
}

// TooManyRequestsResponse sends a 429 Too Many Requests response
func TooManyRequestsResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusTooManyRequests, message)
}

type errorMapping struct {
	target     error
	status     int
	message    string
	retryAfter bool
}

// errorMappings is checked in order. Timeout comes before unavailable
// because timeout errors also wrap ErrPaymentUnavailable.
var errorMappings = []errorMapping{
	{apperrors.ErrInvalidTenantCredential, http.StatusUnauthorized, "invalid tenant credential", false},
	{apperrors.ErrInsufficientPoints, http.StatusUnprocessableEntity, "not enough points", false},
	{apperrors.ErrInsufficientBalance, http.StatusUnprocessableEntity, "not enough points", false},
	{apperrors.ErrExternalAuthorizationTimeout, http.StatusGatewayTimeout, "payment authorization timed out", false},
	{apperrors.ErrPaymentUnavailable, http.StatusServiceUnavailable, "payment provider unavailable", true},
	{apperrors.ErrExternalAuthorizationFailed, http.StatusPaymentRequired, "payment declined", false},
	{apperrors.ErrTenantNotFound, http.StatusNotFound, "tenant not found", false},
	{apperrors.ErrCustomerNotFound, http.StatusNotFound, "customer not found", false},
	{apperrors.ErrRewardNotFound, http.StatusNotFound, "reward not found", false},
	{apperrors.ErrRedemptionNotFound, http.StatusNotFound, "redemption not found", false},
	{apperrors.ErrEntryNotFound, http.StatusNotFound, "points entry not found", false},
	{apperrors.ErrRewardUnavailable, http.StatusConflict, "reward is not available", false},
	{apperrors.ErrAlreadyReversed, http.StatusConflict, "points entry already reversed", false},
	{apperrors.ErrInvalidTransition, http.StatusConflict, "redemption already finalized", false},
	{apperrors.ErrDuplicate, http.StatusConflict, "resource already exists", false},
	{apperrors.ErrPoolExhausted, http.StatusServiceUnavailable, "service busy, retry later", true},
	{apperrors.ErrRetriableConflict, http.StatusServiceUnavailable, "concurrent update, retry", true},
}

// RespondError maps err onto a response. Validation errors carry their
// own message; anything unrecognised is logged and answered with a bare 500.
func RespondError(c *gin.Context, logger *logrus.Logger, err error) {
	RespondErrorWithData(c, logger, err, nil)
}

// RespondErrorWithData is RespondError with a payload, used when a failed
// operation still produced a record the caller should see.
func RespondErrorWithData(c *gin.Context, logger *logrus.Logger, err error, data interface{}) {
	if errors.Is(err, apperrors.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, APIResponse{Error: err.Error(), Data: data})
		return
	}
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.retryAfter {
			c.Header("Retry-After", "1")
		}
		if m.status >= http.StatusInternalServerError && logger != nil {
			logger.WithError(err).WithField("path", c.Request.URL.Path).Warn("request failed with retriable error")
		}
		c.JSON(m.status, APIResponse{Error: m.message, Data: data})
		return
	}
	if logger != nil {
		logger.WithError(err).WithField("path", c.Request.URL.Path).Error("unhandled error")
	}
	c.JSON(http.StatusInternalServerError, APIResponse{Error: "internal error", Data: data})
}
