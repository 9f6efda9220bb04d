package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermission is returned on cross-principal or cross-tenant access attempts.
	ErrPermission = errors.New("permission denied")
)

// Error codes returned to callers. These are literal protocol strings; do not
// rename without a protocol version bump.
const (
	CodeValidationError       = "validation_error"
	CodeInvalidDatetime       = "invalid_datetime"
	CodeInvalidBudget         = "invalid_budget"
	CodeAuthenticationError   = "authentication_error"
	CodeInvalidAuthToken      = "INVALID_AUTH_TOKEN"
	CodePolicyViolation       = "POLICY_VIOLATION"
	CodePricingError          = "PRICING_ERROR"
	CodeCurrencyNotSupported  = "currency_not_supported"
	CodeBudgetLimitExceeded   = "budget_limit_exceeded"
	CodeFormatValidationError = "FORMAT_VALIDATION_ERROR"
	CodeCreativesNotFound     = "CREATIVES_NOT_FOUND"
	CodeInvalidConfiguration  = "invalid_configuration"
	CodeMediaBuyCreationError = "MEDIA_BUY_CREATION_ERROR"
	CodeAdapterTimeout        = "ADAPTER_TIMEOUT"
	CodeDeprecated            = "DEPRECATED"
	CodeSetupIncomplete       = "setup_incomplete"
	CodeToolError             = "TOOL_ERROR"
)

// AdCPError is a structured protocol error carried inside failed envelopes.
type AdCPError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AdCPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAdCPError builds an AdCPError with the given code and formatted message.
func NewAdCPError(code, format string, args ...any) *AdCPError {
	return &AdCPError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsAdCPError converts an arbitrary error into an AdCPError. Errors that are
// already AdCPErrors pass through; permission errors map to
// authentication_error; everything else becomes the fallback code.
func AsAdCPError(err error, fallbackCode string) *AdCPError {
	if err == nil {
		return nil
	}
	var ae *AdCPError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, ErrPermission) {
		return &AdCPError{Code: CodeAuthenticationError, Message: err.Error()}
	}
	return &AdCPError{Code: fallbackCode, Message: err.Error()}
}
