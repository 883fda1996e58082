package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChannelFailure marks a transport-level failure; the pump backs off and retries
	ErrChannelFailure = errors.New("channel failure")
	// ErrDeferMessage is returned by a handler that wants the message requeued
	ErrDeferMessage = errors.New("defer message")
	// ErrMessageMapping marks a body that could not be translated into a request
	ErrMessageMapping = errors.New("message mapping failed")
	// ErrUnacceptableMessageLimit is returned by a pump that hit its unacceptable-message limit
	ErrUnacceptableMessageLimit = errors.New("unacceptable message limit reached")
	// ErrDispatcherStopped is returned when operating on an ended dispatcher
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	// ErrConnectionNotFound is returned for an unknown connection name
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrChannelClosed is returned by a channel used after Close
	ErrChannelClosed = errors.New("channel closed")
)

// ChannelFailureError represents a transport error raised by a channel
type ChannelFailureError struct {
	Channel   string    // Channel name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// NewChannelFailure wraps a broker error as a channel failure
func NewChannelFailure(channel, op string, err error) *ChannelFailureError {
	return &ChannelFailureError{Channel: channel, Op: op, Err: err, Timestamp: time.Now()}
}

func (e *ChannelFailureError) Error() string {
	return fmt.Sprintf("channel failure: %s on %s: %v", e.Op, e.Channel, e.Err)
}

func (e *ChannelFailureError) Unwrap() []error {
	return []error{ErrChannelFailure, e.Err}
}

// DeferMessageError asks the pump to requeue the message being handled
type DeferMessageError struct {
	Reason string
}

// DeferMessage returns an error that requests a requeue
func DeferMessage(reason string) error {
	return &DeferMessageError{Reason: reason}
}

func (e *DeferMessageError) Error() string {
	if e.Reason == "" {
		return ErrDeferMessage.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDeferMessage, e.Reason)
}

func (e *DeferMessageError) Unwrap() error {
	return ErrDeferMessage
}

// MappingError represents a failed translation of a wire message into a request
type MappingError struct {
	RequestType string
	MessageID   string
	Err         error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("message mapping failed: %s for message %s: %v", e.RequestType, e.MessageID, e.Err)
}

func (e *MappingError) Unwrap() []error {
	return []error{ErrMessageMapping, e.Err}
}

// ConfigurationError is raised at setup time, or by a processor with no handler
type ConfigurationError struct {
	Component string
	Message   string
	Err       error
}

// NewConfigurationError creates a configuration error for a component
func NewConfigurationError(component, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Component: component, Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %s: %v", e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Component, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsChannelFailure reports whether err is a transport failure
func IsChannelFailure(err error) bool {
	return errors.Is(err, ErrChannelFailure)
}

// IsDeferMessage reports whether err requests a requeue
func IsDeferMessage(err error) bool {
	return errors.Is(err, ErrDeferMessage)
}

// IsConfigurationError reports whether err is a configuration error
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
