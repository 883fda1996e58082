package contracts

import (
	"reflect"
	"time"

	"github.com/enorith/supports/reflection"
	"github.com/google/uuid"
)

// Request is the base interface for typed in-process requests
type Request interface {
	GetID() string
}

// Command represents an action to be performed by exactly one handler
type Command interface {
	Request
	GetTimestamp() time.Time
}

// Event represents something that has happened; it may have many handlers
type Event interface {
	Request
	GetTimestamp() time.Time
	GetAggregateID() string
}

// BaseRequest provides common fields for all requests
type BaseRequest struct {
	ID            string    `json:"id" msgpack:"id"`
	Timestamp     time.Time `json:"timestamp" msgpack:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
}

// NewBaseRequest creates a new base request with generated ID and current timestamp
func NewBaseRequest() BaseRequest {
	return BaseRequest{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// GetID returns the request ID
func (r BaseRequest) GetID() string {
	return r.ID
}

// GetTimestamp returns the request timestamp
func (r BaseRequest) GetTimestamp() time.Time {
	return r.Timestamp
}

// GetCorrelationID returns the correlation ID
func (r BaseRequest) GetCorrelationID() string {
	return r.CorrelationID
}

// SetCorrelationID sets the correlation ID
func (r *BaseRequest) SetCorrelationID(correlationID string) {
	r.CorrelationID = correlationID
}

// BaseCommand provides common fields for command requests
type BaseCommand struct {
	BaseRequest
}

// NewBaseCommand creates a new command with generated ID and current timestamp
func NewBaseCommand() BaseCommand {
	return BaseCommand{BaseRequest: NewBaseRequest()}
}

// BaseEvent provides common fields for event requests
type BaseEvent struct {
	BaseRequest
	AggregateID string `json:"aggregateId,omitempty" msgpack:"aggregateId,omitempty"`
	Source      string `json:"source,omitempty" msgpack:"source,omitempty"`
}

// NewBaseEvent creates a new event with generated ID and current timestamp
func NewBaseEvent(aggregateID string) BaseEvent {
	return BaseEvent{BaseRequest: NewBaseRequest(), AggregateID: aggregateID}
}

// GetAggregateID returns the aggregate ID
func (e BaseEvent) GetAggregateID() string {
	return e.AggregateID
}

// RequestTypeName returns the name requests of v's type are registered under:
// the struct name without package or pointer.
func RequestTypeName(v any) string {
	if v == nil {
		return ""
	}
	return typeName(reflection.TypeOf(v))
}

// TypeNameOf is RequestTypeName for a type parameter
func TypeNameOf[R any]() string {
	return typeName(reflect.TypeOf((*R)(nil)).Elem())
}

func typeName(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}
