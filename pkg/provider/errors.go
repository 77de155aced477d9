package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for connector operations.
var (
	// ErrNotFound indicates an unknown job, instance, run or remote artifact.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccessDenied indicates the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrMissingCredential indicates a required credential key is absent.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidConfig indicates an invalid job or connector configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrProviderUnavailable indicates the remote service could not be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")

	// ErrNoConnection indicates no shell session exists and none could be opened.
	ErrNoConnection = errors.New("no connection")

	// ErrTimeout indicates a wall-clock deadline elapsed.
	ErrTimeout = errors.New("timed out")

	// ErrNoCapacity indicates no offer matched the hardware request.
	ErrNoCapacity = errors.New("no matching capacity")

	// ErrProvision indicates the provider rejected or failed an allocation.
	ErrProvision = errors.New("provisioning failed")

	// ErrUnsupported indicates the connector does not declare the capability.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrNotConnected indicates Connect has not succeeded yet.
	ErrNotConnected = errors.New("connector not connected")
)

// ProviderError wraps connector errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "Provision", "Tail").
	Op string

	// Provider is the connector kind.
	Provider ProviderType

	// JobID is the job, if applicable.
	JobID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: job %s: %v", e.Provider, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// IsNotFound returns true if the error indicates a missing job or artifact.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidCredentials returns true if authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsConfigError returns true for credential and configuration errors.
// These are never retried.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrInvalidCredentials)
}

// IsAccessDenied returns true if the error indicates missing permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsProviderUnavailable returns true if the remote service is unavailable.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsUnsupported returns true if the connector lacks the capability.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsTimeout returns true if a deadline elapsed.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsTransient returns true for connectivity failures: the remote side could
// not be reached or answered, and the caller may retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
