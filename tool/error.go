package tool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/toolrelay/vault"
)

const (
	// ErrorCodeValidation marks a malformed or incomplete manifest or spec.
	ErrorCodeValidation = "VALIDATION_FAILED"
	// ErrorCodeNotFound marks an unknown tool or server at dispatch time.
	ErrorCodeNotFound = "NOT_FOUND"
	// ErrorCodeRemote marks a failed manifest fetch or tool invocation.
	ErrorCodeRemote = "REMOTE_FAILURE"
	// ErrorCodeDecryption marks a credential that cannot be decrypted.
	ErrorCodeDecryption = "DECRYPTION_FAILED"
	// ErrorCodeInternal is the fallback for anything unclassified.
	ErrorCodeInternal = "INTERNAL"
)

// ValidationError reports a manifest or spec that cannot be registered.
type ValidationError struct {
	Source string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("tool: invalid manifest")
	if e.Source != "" {
		fmt.Fprintf(&b, " %s", e.Source)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing tool definition or tool server.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool: %s %q not found", e.Kind, e.Key)
}

// RemoteError reports an HTTP exchange with a tool server that failed.
type RemoteError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
	Cause      error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tool: %s %s", e.Op, e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the transport cause for errors.Is/errors.As.
func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is worth retrying upstream.
func (e *RemoteError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// ErrorCode classifies err for task outputs and metrics.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		notFound   *NotFoundError
		remote     *RemoteError
	)
	switch {
	case errors.As(err, &validation):
		return ErrorCodeValidation
	case errors.As(err, &notFound):
		return ErrorCodeNotFound
	case errors.As(err, &remote):
		return ErrorCodeRemote
	case errors.Is(err, vault.ErrDecryption):
		return ErrorCodeDecryption
	default:
		return ErrorCodeInternal
	}
}
