package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypePrecondition ErrorType = "PRECONDITION_FAILED"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal     ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidCurrency  ErrorCode = "INVALID_CURRENCY"

	ErrCodeTransactionNotFound   ErrorCode = "TRANSACTION_NOT_FOUND"
	ErrCodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	ErrCodePreconditionFailed    ErrorCode = "PRECONDITION_FAILED"
	ErrCodeStaleState            ErrorCode = "STALE_STATE"
	ErrCodeGatewayTxIDAlreadySet ErrorCode = "GATEWAY_TRANSACTION_ID_ALREADY_SET"

	ErrCodeGatewayNotFound        ErrorCode = "GATEWAY_NOT_FOUND"
	ErrCodeGatewayUnavailable     ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrCodeGatewayDisabled        ErrorCode = "GATEWAY_DISABLED"
	ErrCodeUnsupportedCurrency    ErrorCode = "UNSUPPORTED_CURRENCY"
	ErrCodeGatewayUnreachable     ErrorCode = "GATEWAY_UNREACHABLE"
	ErrCodePaymentModeUnavailable ErrorCode = "PAYMENT_MODE_UNAVAILABLE"
	ErrCodeSignatureInvalid       ErrorCode = "SIGNATURE_INVALID"

	ErrCodeWalletCreditFailed ErrorCode = "WALLET_CREDIT_FAILED"
	ErrCodeNotificationFailed ErrorCode = "NOTIFICATION_FAILED"
	ErrCodeArbitrationFailed  ErrorCode = "ARBITRATION_FAILED"

	ErrCodeUnauthorizedAccess ErrorCode = "UNAUTHORIZED_ACCESS"
	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so that copies made by WithMessage/WithCause still
// satisfy errors.Is against the package sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy carrying cause. Sentinels are never mutated.
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) WithMessage(format string, args ...interface{}) *AppError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func (e *AppError) WithStatus(status int) *AppError {
	cp := *e
	cp.StatusCode = status
	return &cp
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewPreconditionError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypePrecondition,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func NewExternalError(message string, code ErrorCode, status int) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: status,
	}
}

var (
	ErrTransactionNotFound     = NewNotFoundError("transaction not found", ErrCodeTransactionNotFound)
	ErrInvalidTransition       = NewConflictError("transition not allowed", ErrCodeInvalidTransition)
	ErrPreconditionFailed      = NewPreconditionError("transition precondition failed", ErrCodePreconditionFailed)
	ErrStaleState              = NewConflictError("transaction was modified concurrently, re-read and retry", ErrCodeStaleState)
	ErrGatewayTransactionIDSet = NewConflictError("gateway transaction id already assigned", ErrCodeGatewayTxIDAlreadySet)

	ErrGatewayNotFound        = NewNotFoundError("payment gateway not found", ErrCodeGatewayNotFound)
	ErrGatewayUnavailable     = NewPreconditionError("payment gateway is unavailable, select another gateway", ErrCodeGatewayUnavailable)
	ErrGatewayDisabled        = NewPreconditionError("payment gateway is disabled", ErrCodeGatewayDisabled)
	ErrUnsupportedCurrency    = NewPreconditionError("currency not supported by payment gateway", ErrCodeUnsupportedCurrency)
	ErrPaymentModeUnavailable = NewPreconditionError("payment mode is not available", ErrCodePaymentModeUnavailable)
	ErrGatewayUnreachable     = NewExternalError("payment gateway could not be reached, try again", ErrCodeGatewayUnreachable, http.StatusServiceUnavailable)
	ErrSignatureInvalid       = NewUnauthorizedError("webhook signature verification failed", ErrCodeSignatureInvalid)

	ErrWalletCreditFailed = NewExternalError("wallet credit failed", ErrCodeWalletCreditFailed, http.StatusBadGateway)
	ErrNotificationFailed = NewExternalError("notification delivery failed", ErrCodeNotificationFailed, http.StatusBadGateway)
	ErrArbitrationFailed  = NewExternalError("arbitration flag failed", ErrCodeArbitrationFailed, http.StatusBadGateway)

	ErrUnauthorizedAccess = NewForbiddenError("not a party to this transaction", ErrCodeUnauthorizedAccess)
	ErrInvalidToken       = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired       = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
