package contracts

import (
	"time"

	"github.com/google/uuid"
)

// MessageHeader carries routing and delivery information for a wire message
type MessageHeader struct {
	ID            string         `json:"id" msgpack:"id"`
	Topic         string         `json:"topic" msgpack:"topic"`
	MessageType   MessageType    `json:"messageType" msgpack:"messageType"`
	HandledCount  int            `json:"handledCount" msgpack:"handledCount"`
	TimeStamp     time.Time      `json:"timestamp" msgpack:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
	ReplyTo       string         `json:"replyTo,omitempty" msgpack:"replyTo,omitempty"`
	ContentType   string         `json:"contentType,omitempty" msgpack:"contentType,omitempty"`
	Delay         time.Duration  `json:"delay,omitempty" msgpack:"delay,omitempty"`
	Bag           map[string]any `json:"bag,omitempty" msgpack:"bag,omitempty"`
}

// UpdateHandledCount records one more delivery attempt
func (h *MessageHeader) UpdateHandledCount() {
	h.HandledCount++
}

// MessageBody is the opaque payload of a wire message
type MessageBody struct {
	Bytes       []byte `json:"bytes" msgpack:"bytes"`
	ContentType string `json:"contentType,omitempty" msgpack:"contentType,omitempty"`
}

// NewMessageBody creates a body from a string payload
func NewMessageBody(value string) MessageBody {
	return MessageBody{Bytes: []byte(value), ContentType: "text/plain"}
}

// Value returns the body as a string
func (b MessageBody) Value() string {
	return string(b.Bytes)
}

// Message is the wire-to-in-process envelope produced by a channel
type Message struct {
	Header MessageHeader `json:"header" msgpack:"header"`
	Body   MessageBody   `json:"body" msgpack:"body"`
}

// NewMessage creates a message with a generated ID and current timestamp
func NewMessage(topic string, messageType MessageType, body MessageBody) *Message {
	return &Message{
		Header: MessageHeader{
			ID:          uuid.New().String(),
			Topic:       topic,
			MessageType: messageType,
			TimeStamp:   time.Now().UTC(),
			ContentType: body.ContentType,
		},
		Body: body,
	}
}

// NewQuitMessage creates the control message that ends a pump loop
func NewQuitMessage() *Message {
	return NewMessage("", MessageTypeQuit, MessageBody{})
}

// NewEmptyMessage creates the message a channel returns on a receive timeout
func NewEmptyMessage() *Message {
	return &Message{Header: MessageHeader{MessageType: MessageTypeNone, TimeStamp: time.Now().UTC()}}
}

// NewUnacceptableMessage wraps a payload the channel could not decode
func NewUnacceptableMessage(topic string, body []byte) *Message {
	return NewMessage(topic, MessageTypeUnacceptable, MessageBody{Bytes: body})
}

// IsEmpty reports whether the message carries nothing to process
func (m *Message) IsEmpty() bool {
	return m == nil || (m.Header.MessageType == MessageTypeNone && len(m.Body.Bytes) == 0)
}

// HandledCountReached reports whether the message has been handled more often
// than requeueCount allows. A negative requeueCount never reaches the limit.
func (m *Message) HandledCountReached(requeueCount int) bool {
	if requeueCount < 0 {
		return false
	}
	return m.Header.HandledCount > requeueCount
}

// Clone returns a deep copy so a channel can requeue without sharing state
func (m *Message) Clone() *Message {
	c := *m
	if m.Body.Bytes != nil {
		c.Body.Bytes = append([]byte(nil), m.Body.Bytes...)
	}
	if m.Header.Bag != nil {
		c.Header.Bag = make(map[string]any, len(m.Header.Bag))
		for k, v := range m.Header.Bag {
			c.Header.Bag[k] = v
		}
	}
	return &c
}
