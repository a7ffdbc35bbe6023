package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorInvalidSignature    = "DISPATCH_INVALID_SIGNATURE"
	ErrorUnmatchedRule       = "DISPATCH_UNMATCHED_RULE"
	ErrorDuplicateDelivery   = "DISPATCH_DUPLICATE_DELIVERY"
	ErrorCapacityExceeded    = "DISPATCH_CAPACITY_EXCEEDED"
	ErrorLeaseHeld           = "DISPATCH_LEASE_HELD"
	ErrorLeaseAcquireFailed  = "DISPATCH_LEASE_ACQUIRE_FAILED"
	ErrorTriggerFailed       = "DISPATCH_TRIGGER_FAILED"
	ErrorUnknownRunReference = "DISPATCH_UNKNOWN_RUN_REFERENCE"
	ErrorBadInput            = "DISPATCH_BAD_INPUT"
	ErrorNotFound            = "DISPATCH_NOT_FOUND"
	ErrorStatusConflict      = "DISPATCH_STATUS_CONFLICT"
	ErrorConfigInvalid       = "DISPATCH_CONFIG_INVALID"
	ErrorStorageUnavailable  = "DISPATCH_STORAGE_UNAVAILABLE"
	ErrorUnauthorized        = "DISPATCH_UNAUTHORIZED"
	ErrorInternal            = "DISPATCH_INTERNAL_ERROR"
)

func NewError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

func WrapError(source error, category goerrors.Category, textCode string, message string) *goerrors.Error {
	if source == nil {
		return NewError(message, category, textCode)
	}
	wrapped := goerrors.Wrap(source, category, message).WithTextCode(textCode)
	return ensureErrorEnvelope(wrapped)
}

func InvalidSignature(reason string) *goerrors.Error {
	return NewError("webhook signature verification failed: "+reason, goerrors.CategoryAuth, ErrorInvalidSignature)
}

func UnmatchedRule(repo string, eventType string, action string) *goerrors.Error {
	return NewError("no dispatch rule matches event", goerrors.CategoryNotFound, ErrorUnmatchedRule).
		WithMetadata(map[string]any{
			"repository": repo,
			"event_type": eventType,
			"action":     action,
		})
}

func DuplicateDelivery(deliveryID string) *goerrors.Error {
	return NewError("delivery already recorded", goerrors.CategoryConflict, ErrorDuplicateDelivery).
		WithMetadata(map[string]any{"delivery_id": deliveryID})
}

func CapacityExceeded(pipeline string, maxCapacity int) *goerrors.Error {
	return NewError("pipeline capacity exceeded", goerrors.CategoryRateLimit, ErrorCapacityExceeded).
		WithMetadata(map[string]any{
			"pipeline":     pipeline,
			"max_capacity": maxCapacity,
		})
}

func LeaseHeld(name string, holder string) *goerrors.Error {
	return NewError("lease held by another owner", goerrors.CategoryConflict, ErrorLeaseHeld).
		WithMetadata(map[string]any{
			"lease":  name,
			"holder": holder,
		})
}

func LeaseAcquireFailed(name string, attempts int, cause error) *goerrors.Error {
	return WrapError(cause, goerrors.CategoryConflict, ErrorLeaseAcquireFailed, "lease acquisition failed").
		WithMetadata(map[string]any{
			"lease":    name,
			"attempts": attempts,
		})
}

func TriggerFailed(pipeline string, cause error) *goerrors.Error {
	return WrapError(cause, goerrors.CategoryExternal, ErrorTriggerFailed, "downstream trigger failed").
		WithMetadata(map[string]any{"pipeline": pipeline})
}

func UnknownRunReference(runRef string) *goerrors.Error {
	return NewError("unknown pipeline run reference", goerrors.CategoryNotFound, ErrorUnknownRunReference).
		WithMetadata(map[string]any{"run_ref": runRef})
}

func BadInput(message string) *goerrors.Error {
	return NewError(message, goerrors.CategoryBadInput, ErrorBadInput)
}

func NotFound(message string) *goerrors.Error {
	return NewError(message, goerrors.CategoryNotFound, ErrorNotFound)
}

func StatusConflict(id string, to EventStatus) *goerrors.Error {
	return NewError("event status transition rejected", goerrors.CategoryConflict, ErrorStatusConflict).
		WithMetadata(map[string]any{
			"event_id": id,
			"to":       string(to),
		})
}

func ConfigInvalid(message string) *goerrors.Error {
	return NewError(message, goerrors.CategoryValidation, ErrorConfigInvalid)
}

func StorageUnavailable(cause error) *goerrors.Error {
	return WrapError(cause, goerrors.CategoryInternal, ErrorStorageUnavailable, "storage unavailable")
}

func IsInvalidSignature(err error) bool    { return HasTextCode(err, ErrorInvalidSignature) }
func IsUnmatchedRule(err error) bool       { return HasTextCode(err, ErrorUnmatchedRule) }
func IsDuplicateDelivery(err error) bool   { return HasTextCode(err, ErrorDuplicateDelivery) }
func IsCapacityExceeded(err error) bool    { return HasTextCode(err, ErrorCapacityExceeded) }
func IsLeaseHeld(err error) bool           { return HasTextCode(err, ErrorLeaseHeld) }
func IsLeaseAcquireFailed(err error) bool  { return HasTextCode(err, ErrorLeaseAcquireFailed) }
func IsTriggerFailed(err error) bool       { return HasTextCode(err, ErrorTriggerFailed) }
func IsUnknownRunReference(err error) bool { return HasTextCode(err, ErrorUnknownRunReference) }
func IsNotFound(err error) bool            { return HasTextCode(err, ErrorNotFound) }
func IsStatusConflict(err error) bool      { return HasTextCode(err, ErrorStatusConflict) }
func IsConfigInvalid(err error) bool       { return HasTextCode(err, ErrorConfigInvalid) }
func IsStorageUnavailable(err error) bool   { return HasTextCode(err, ErrorStorageUnavailable) }

// HasTextCode walks the wrap chain looking for a rich error carrying code.
func HasTextCode(err error, code string) bool {
	for err != nil {
		var richErr *goerrors.Error
		if !goerrors.As(err, &richErr) {
			return false
		}
		if strings.EqualFold(strings.TrimSpace(richErr.TextCode), code) {
			return true
		}
		next := errors.Unwrap(richErr)
		if next == nil || next == err {
			return false
		}
		err = next
	}
	return false
}

// MapError converts arbitrary errors into the HTTP envelope used by the API.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(err, goerrors.CategoryExternal, ErrorInternal, "operation timed out")
	case errors.Is(err, context.Canceled):
		return WrapError(err, goerrors.CategoryOperation, ErrorInternal, "operation cancelled")
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryConflict:
		return ErrorStatusConflict
	default:
		return ErrorInternal
	}
}

func HTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
