package channels

import (
	"context"
	"errors"
)

// Errors.
var (
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrNotReady             = errors.New("channel not ready")
	ErrNotFound             = errors.New("channel not found")
	ErrSendFailed           = errors.New("send failed")
	ErrInvalidTarget        = errors.New("invalid target")
	ErrRateLimited          = errors.New("rate limited")
	ErrTimeout              = errors.New("timed out")
)

// ErrorCategory is the coarse error class used as the metrics histogram key.
type ErrorCategory string

const (
	CategoryNone                 ErrorCategory = ""
	CategoryConfigurationInvalid ErrorCategory = "configuration_invalid"
	CategoryConnectionFailed     ErrorCategory = "connection_failed"
	CategoryCapacityExceeded     ErrorCategory = "capacity_exceeded"
	CategoryNotReady             ErrorCategory = "not_ready"
	CategoryNotFound             ErrorCategory = "not_found"
	CategoryInvalidTarget        ErrorCategory = "invalid_target"
	CategoryRateLimited          ErrorCategory = "rate_limited"
	CategoryTimeout              ErrorCategory = "timeout"
	CategoryCanceled             ErrorCategory = "canceled"
	CategorySendFailed           ErrorCategory = "send_failed"
	CategoryUnknown              ErrorCategory = "unknown"
)

var categoryOrder = []struct {
	err      error
	category ErrorCategory
}{
	{ErrConfigurationInvalid, CategoryConfigurationInvalid},
	{ErrCapacityExceeded, CategoryCapacityExceeded},
	{ErrNotReady, CategoryNotReady},
	{ErrNotFound, CategoryNotFound},
	{ErrInvalidTarget, CategoryInvalidTarget},
	{ErrRateLimited, CategoryRateLimited},
	{ErrTimeout, CategoryTimeout},
	{context.DeadlineExceeded, CategoryTimeout},
	{context.Canceled, CategoryCanceled},
	{ErrConnectionFailed, CategoryConnectionFailed},
	{ErrSendFailed, CategorySendFailed},
}

// CategoryOf classifies err. A nil error has no category.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	for _, c := range categoryOrder {
		if errors.Is(err, c.err) {
			return c.category
		}
	}
	return CategoryUnknown
}
