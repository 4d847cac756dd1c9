package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNoCredential        = errors.New("no credential available")
	ErrNoValidKeys         = errors.New("no keys passed the format check")
	ErrInvalidCredential   = errors.New("credential has invalid format")
	ErrUpstreamUnavailable = errors.New("upstream reported unavailable")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrEmptyResponse       = errors.New("upstream returned no choices")
)

// ErrorKind 错误分类
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindConfiguration
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindStorage:
		return "storage"
	default:
		return "transport"
	}
}

// UpstreamError is a non-2xx answer from a transport.
type UpstreamError struct {
	Transport  string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Transport, e.StatusCode, e.Body)
}

// StorageError wraps a credential-store failure with the slot it touched.
type StorageError struct {
	Op   string
	Slot string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Slot, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DispatchError is the final error of a failed Execute call.
type DispatchError struct {
	Kind      ErrorKind
	Transport string
	Attempts  int
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Transport == "" {
		return fmt.Sprintf("dispatch %s error after %d attempts: %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("dispatch %s error via %s after %d attempts: %v", e.Kind, e.Transport, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsConfigError reports errors the user must fix by setting up credentials.
func IsConfigError(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) && de.Kind == KindConfiguration {
		return true
	}
	return errors.Is(err, ErrNoCredential) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrNoValidKeys)
}

// IsRetryable reports whether another direct attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil || IsConfigError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return true
}
