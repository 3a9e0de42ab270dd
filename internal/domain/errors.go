package domain

import (
	"errors"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrDeviceUnavailable = errors.New("camera or microphone unavailable")
	ErrAuthFailure       = errors.New("authentication failed")
	ErrNetworkFailure    = errors.New("network failure")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotJoined         = errors.New("not joined")
	ErrClosed            = errors.New("call closed")
)

// FailureKind classifies an error for the user-facing layer.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureValidation       FailureKind = "validation"
	FailureDevice           FailureKind = "device_unavailable"
	FailureAuth             FailureKind = "auth"
	FailureNetwork          FailureKind = "network"
	FailureAlreadyConnected FailureKind = "already_connected"
	FailureClosed           FailureKind = "closed"
	FailureUnknown          FailureKind = "unknown"
)

const (
	MsgEnterName    = "Please enter a name to join."
	MsgNameTooLong  = "That name is too long."
	MsgDeviceInUse  = "Device in use. Please ensure your camera/microphone are not used by another tab or application."
	MsgUnexpected   = "An unexpected error occurred. Please try again."
	MsgCallFinished = "The call has been closed."
)

// Classify maps err onto the failure taxonomy. A *CallError keeps its kind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return FailureValidation
	case errors.Is(err, ErrDeviceUnavailable):
		return FailureDevice
	case errors.Is(err, ErrAuthFailure):
		return FailureAuth
	case errors.Is(err, ErrNetworkFailure):
		return FailureNetwork
	case errors.Is(err, ErrAlreadyConnected):
		return FailureAlreadyConnected
	case errors.Is(err, ErrClosed):
		return FailureClosed
	default:
		return FailureUnknown
	}
}

// CallError is what the controller surfaces to the presentation layer.
type CallError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether the user may simply try the same action again.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case FailureAuth, FailureNetwork, FailureUnknown:
		return true
	default:
		return false
	}
}

// NewCallError classifies err and attaches the message shown to the user.
// It returns nil for nil errors and for ErrAlreadyConnected, which is never
// surfaced.
func NewCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	kind := Classify(err)
	switch kind {
	case FailureNone, FailureAlreadyConnected:
		return nil
	}
	return &CallError{Kind: kind, Message: UserMessage(err), Err: err}
}

// UserMessage returns the text shown for err.
func UserMessage(err error) string {
	switch Classify(err) {
	case FailureNone, FailureAlreadyConnected:
		return ""
	case FailureValidation:
		if errors.Is(err, ErrUsernameTooLong) {
			return MsgNameTooLong
		}
		return MsgEnterName
	case FailureDevice:
		return MsgDeviceInUse
	case FailureClosed:
		return MsgCallFinished
	default:
		return MsgUnexpected
	}
}
