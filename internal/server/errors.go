package server

import (
	"errors"
	"net/http"

	paymentdomain "github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/gin-gonic/gin"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidOrderID),
		errors.Is(err, paymentdomain.ErrInvalidPageToken):
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(err),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrOrderNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "order not found",
		}
	case errors.Is(err, paymentdomain.ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "order is already paid",
		}
	case errors.Is(err, paymentdomain.ErrRetryRequired):
		return http.StatusConflict, errorPayload{
			Type:    "retry_required",
			Message: "payment must be retried",
		}
	case errors.Is(err, paymentdomain.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "invalid_amount",
			Message: "order amount cannot be charged",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorField(err error) string {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidOrderID):
		return "id"
	case errors.Is(err, paymentdomain.ErrInvalidPageToken):
		return "page_token"
	default:
		return "request"
	}
}

// classifyErrorForLog returns the error type and code recorded on the
// request log line.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	switch {
	case paymentdomain.IsVerificationFailure(err):
		return "verification", rootCode(err)
	case errors.Is(err, paymentdomain.ErrTransientStorage):
		return "storage", paymentdomain.ErrTransientStorage.Error()
	case errors.Is(err, paymentdomain.ErrConfiguration):
		return "configuration", paymentdomain.ErrConfiguration.Error()
	}

	_, payload := mapError(err)
	return payload.Type, rootCode(err)
}

var knownCodes = []error{
	paymentdomain.ErrMissingSignature,
	paymentdomain.ErrInvalidSignature,
	paymentdomain.ErrMalformedPayload,
	paymentdomain.ErrUntrustedSource,
	paymentdomain.ErrOrderNotFound,
	paymentdomain.ErrInvalidOrderID,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidPageToken,
	paymentdomain.ErrConflict,
	paymentdomain.ErrRetryRequired,
	ErrRateLimited,
	ErrServiceUnavailable,
}

// rootCode never returns the raw error text, which may carry driver details.
func rootCode(err error) string {
	for _, known := range knownCodes {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if asValidationErrors(err) != nil {
		return "validation_error"
	}
	return "unknown"
}
