package core

import "fmt"

// BackendErrorKind classifies kernel backend failures for user-facing hints.
type BackendErrorKind string

const (
	// BackendErrorUnknown is an uncategorized backend failure.
	BackendErrorUnknown BackendErrorKind = "unknown"
	// BackendErrorUnavailable indicates the kernel server is unreachable.
	BackendErrorUnavailable BackendErrorKind = "unavailable"
	// BackendErrorUnauthorized indicates the kernel server rejected the token.
	BackendErrorUnauthorized BackendErrorKind = "unauthorized"
	// BackendErrorNotFound indicates the kernel or kernel spec does not exist.
	BackendErrorNotFound BackendErrorKind = "not_found"
	// BackendErrorTimeout indicates the kernel did not answer in time.
	BackendErrorTimeout BackendErrorKind = "timeout"
	// BackendErrorClosed indicates the kernel channel is closed.
	BackendErrorClosed BackendErrorKind = "closed"
	// BackendErrorProtocol indicates a malformed message.
	BackendErrorProtocol BackendErrorKind = "protocol"
)

// BackendError wraps backend failures with a stable classification.
type BackendError struct {
	Kind    BackendErrorKind
	Op      string
	Message string
	Err     error
}

// NewBackendError constructs a classified backend error.
func NewBackendError(kind BackendErrorKind, op string, err error) *BackendError {
	return &BackendError{Kind: kind, Op: op, Err: err}
}

func (e *BackendError) Error() string {
	if e == nil {
		return "kernel error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("kernel %s: %v", e.Op, e.Err)
		}
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("kernel %s failed", e.Op)
	}
	return "kernel error"
}

func (e *BackendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// backendErrorText renders err as the content of a failed record.
func backendErrorText(err error) string {
	if err == nil {
		return ""
	}
	be, ok := err.(*BackendError)
	if !ok {
		return fmt.Sprintf("Error: %v\n", err)
	}
	switch be.Kind {
	case BackendErrorUnavailable:
		return fmt.Sprintf("Error: kernel unavailable: %v\nhint: check that the Jupyter server is running\n", be.Err)
	case BackendErrorUnauthorized:
		return "Error: kernel server rejected the token\nhint: set jupyter.token in the config\n"
	case BackendErrorClosed:
		return "Error: kernel channel closed\nhint: restart the session\n"
	case BackendErrorTimeout:
		return "Error: kernel timed out\n"
	default:
		return fmt.Sprintf("Error: %v\n", be)
	}
}
