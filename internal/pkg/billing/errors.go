package billing

import (
	"context"
	"errors"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

// Processor outcomes, independent of the processor SDK.
var (
	ErrNotFound             = errors.New("billing: resource not found")
	ErrAlreadyExists        = errors.New("billing: resource already exists")
	ErrProcessorUnavailable = errors.New("billing: processor unavailable")
	ErrProcessorAuth        = errors.New("billing: processor rejected credentials")
	ErrInvalidSignature     = errors.New("billing: invalid webhook signature")
	ErrInvalidPayload       = errors.New("billing: malformed event payload")
	// ErrHeldByProduction refuses a sandbox write to a record paid for in production.
	ErrHeldByProduction = errors.New("billing: membership is held by a production subscription")
)

// ErrorType is the caller-facing classification of a failed operation.
type ErrorType string

const (
	ErrorTypeAuth         ErrorType = "auth_error"
	ErrorTypeConfig       ErrorType = "config_error"
	ErrorTypeNetwork      ErrorType = "network_error"
	ErrorTypeInvalidPrice ErrorType = "invalid_price"
	ErrorTypeInvalidPromo ErrorType = "invalid_promo"
	ErrorTypeValidation   ErrorType = "validation_error"
	ErrorTypeUnknown      ErrorType = "unknown_error"
)

// Public messages never name credentials or upstream causes.
var publicMessages = map[ErrorType]string{
	ErrorTypeAuth:         "Please sign in again.",
	ErrorTypeConfig:       "Payments are temporarily unavailable. Please try again later.",
	ErrorTypeNetwork:      "Could not reach the payment provider. Please try again.",
	ErrorTypeInvalidPrice: "The selected plan is not available.",
	ErrorTypeInvalidPromo: "The promo code is not valid for this plan.",
	ErrorTypeValidation:   "The request is invalid.",
	ErrorTypeUnknown:      "Something went wrong. Please try again.",
}

// Error is a classified failure. Message is safe to show to users; Err keeps
// the cause for logs.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Type) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Type) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(t ErrorType, msg string, err error) *Error {
	if msg == "" {
		msg = publicMessages[t]
	}
	return &Error{Type: t, Message: msg, Err: err}
}

// Classify returns the error type of err. Already classified errors keep
// their type; everything else is derived from the sentinel it wraps.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Type
	}
	switch {
	case errors.Is(err, environment.ErrNotConfigured), errors.Is(err, ErrProcessorAuth):
		return ErrorTypeConfig
	case errors.Is(err, ErrProcessorUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrorTypeNetwork
	default:
		return ErrorTypeUnknown
	}
}

// AsError wraps err into a classified *Error with the public message of its type.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return newError(Classify(err), "", err)
}

// PublicMessage returns the user-facing text for t.
func PublicMessage(t ErrorType) string {
	if msg, ok := publicMessages[t]; ok {
		return msg
	}
	return publicMessages[ErrorTypeUnknown]
}
