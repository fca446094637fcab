package offlinegate

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrStoreUnavailable = errors.New("durable store unavailable")
	ErrNotImplemented   = errors.New("not implemented")
)

// HTTPError reports a non-success status from an upstream or replay call.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// InstallError marks an all-or-nothing install failure; the asset that
// failed is recorded so the operator can fix the manifest.
type InstallError struct {
	Asset string
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install failed at asset %s: %v", e.Asset, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Logger is the minimal logging contract components depend on. A nil
// Logger disables logging.
type Logger interface {
	Printf(format string, args ...any)
}
