// Package errdefs defines the error taxonomy shared by the control plane
// and its HTTP surface. Handlers map these types to status codes; raw
// container detail never reaches a response body.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a malformed or missing identifier. It is never
// retried and never propagates past the first boundary that detects it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown session or instance.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ContainerError wraps a failed instance operation. Detail is for logs;
// users get a generic retry message.
type ContainerError struct {
	Op     string
	Detail error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("container operation %s failed: %v", e.Op, e.Detail)
}

func (e *ContainerError) Unwrap() error { return e.Detail }

// UserMessage is what handlers are allowed to show for a ContainerError.
func (e *ContainerError) UserMessage() string {
	return "The operation could not be completed. Please try again."
}

// BreakerOpenError indicates the named dependency is short-circuited.
// Distinct from ContainerError so callers can back off differently.
type BreakerOpenError struct {
	Name string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// RateLimitError carries a retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsBreakerOpen(err error) bool {
	var bo *BreakerOpenError
	return errors.As(err, &bo)
}
