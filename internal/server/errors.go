package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/minipass/internal/audit/domain"
	customerdomain "github.com/smallbiznis/minipass/internal/customer/domain"
	"github.com/smallbiznis/minipass/internal/gateway"
	"github.com/smallbiznis/minipass/internal/selfservice"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
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

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(err),
					Code:    code,
					Message: validationErrorMessage(err),
				},
			},
		}
	}

	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "invalid webhook signature",
		}
	case errors.Is(err, gateway.ErrInvalidPayload),
		errors.Is(err, gateway.ErrInvalidEvent):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_payload",
			Message: "invalid webhook payload",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, selfservice.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, customerdomain.ErrSubdomainTaken):
		return http.StatusConflict, errorPayload{
			Type:    "subdomain_taken",
			Message: "subdomain is already taken",
		}
	case errors.Is(err, customerdomain.ErrDuplicateCheckout):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, gateway.ErrNotConfigured),
		errors.Is(err, selfservice.ErrAdminNotConfigured):
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

// classifyErrorForLog feeds the request logger; it never sees raw payloads.
func classifyErrorForLog(err error) (string, string) {
	if errors.Is(err, gateway.ErrInvalidSignature) {
		return "signature_error", err.Error()
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case isCustomerValidationError(err):
		return true
	case errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return true
	default:
		return false
	}
}

func isCustomerValidationError(err error) bool {
	switch {
	case errors.Is(err, customerdomain.ErrInvalidSubdomain),
		errors.Is(err, customerdomain.ErrInvalidEmail),
		errors.Is(err, customerdomain.ErrInvalidPlan),
		errors.Is(err, customerdomain.ErrInvalidFrequency),
		errors.Is(err, customerdomain.ErrInvalidCheckout),
		errors.Is(err, customerdomain.ErrInvalidID),
		errors.Is(err, customerdomain.ErrInvalidStatus),
		errors.Is(err, customerdomain.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func validationErrorField(err error) string {
	switch {
	case errors.Is(err, customerdomain.ErrInvalidSubdomain):
		return "subdomain"
	case errors.Is(err, customerdomain.ErrInvalidEmail):
		return "email"
	case errors.Is(err, customerdomain.ErrInvalidPlan):
		return "tier"
	case errors.Is(err, customerdomain.ErrInvalidFrequency):
		return "billing_frequency"
	case errors.Is(err, customerdomain.ErrInvalidCheckout):
		return "checkout_session"
	case errors.Is(err, customerdomain.ErrInvalidID):
		return "id"
	case errors.Is(err, customerdomain.ErrInvalidStatus):
		return "status"
	case errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, customerdomain.ErrInvalidPageToken):
		return "page_token"
	case errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return "start_at"
	default:
		return "request"
	}
}

func validationErrorMessage(err error) string {
	switch {
	case errors.Is(err, customerdomain.ErrInvalidSubdomain):
		return "subdomain must be 1-63 lowercase letters, digits or inner hyphens"
	case errors.Is(err, customerdomain.ErrInvalidEmail):
		return "invalid email"
	case errors.Is(err, customerdomain.ErrInvalidPlan):
		return "unknown plan tier"
	case errors.Is(err, customerdomain.ErrInvalidFrequency):
		return "billing frequency must be monthly or annual"
	case errors.Is(err, customerdomain.ErrInvalidCheckout):
		return "missing checkout session"
	case errors.Is(err, customerdomain.ErrInvalidID):
		return "invalid id"
	case errors.Is(err, customerdomain.ErrInvalidStatus):
		return "invalid status"
	case errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, customerdomain.ErrInvalidPageToken):
		return "invalid page token"
	case errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return "start_at must not be after end_at"
	default:
		return "invalid request"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, selfservice.ErrNoSubscription):
		return true
	default:
		return false
	}
}
