package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Content types carried in message bodies
const (
	ContentTypeJSON       = "application/json"
	ContentTypeMsgpack    = "application/msgpack"
	ContentTypeCloudEvent = "application/cloudevents+json"
)

// Codec encodes requests into message bodies and back
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string
}

var errEmptyBody = errors.New("empty message body")

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

type msgpackCodec struct{}

func (msgpackCodec) Encode(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return errEmptyBody
	}
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) ContentType() string { return ContentTypeMsgpack }

// cloudEventCodec reads and writes structured-mode CloudEvents with JSON data
type cloudEventCodec struct {
	source string
}

func (c cloudEventCodec) Encode(v any) ([]byte, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetSource(c.source)
	event.SetType(contracts.RequestTypeName(v))
	event.SetTime(time.Now().UTC())
	if err := event.SetData(cloudevents.ApplicationJSON, v); err != nil {
		return nil, fmt.Errorf("set cloudevent data: %w", err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return json.Marshal(event)
}

func (cloudEventCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return errEmptyBody
	}
	event := cloudevents.NewEvent()
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decode cloudevent: %w", err)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid cloudevent: %w", err)
	}
	if len(event.Data()) == 0 {
		return errEmptyBody
	}
	return event.DataAs(v)
}

func (cloudEventCodec) ContentType() string { return ContentTypeCloudEvent }

var (
	// JSON encodes bodies with encoding/json
	JSON Codec = jsonCodec{}
	// Msgpack encodes bodies with msgpack
	Msgpack Codec = msgpackCodec{}
	// CloudEvent encodes bodies as structured CloudEvents with JSON data
	CloudEvent Codec = cloudEventCodec{source: "mmate-dispatch"}
)

// CloudEventCodec returns a CloudEvent codec stamping source on encoded events
func CloudEventCodec(source string) Codec {
	return cloudEventCodec{source: source}
}

// NewMessage encodes request with codec into a message on topic
func NewMessage(topic string, messageType contracts.MessageType, request contracts.Request, codec Codec) (*contracts.Message, error) {
	data, err := codec.Encode(request)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", contracts.RequestTypeName(request), err)
	}
	msg := contracts.NewMessage(topic, messageType, contracts.MessageBody{Bytes: data, ContentType: codec.ContentType()})
	msg.Header.ContentType = codec.ContentType()
	if c, ok := request.(interface{ GetCorrelationID() string }); ok {
		msg.Header.CorrelationID = c.GetCorrelationID()
	}
	return msg, nil
}

// NewCommandMessage encodes a command as JSON
func NewCommandMessage(topic string, command contracts.Command) (*contracts.Message, error) {
	return NewMessage(topic, contracts.MessageTypeCommand, command, JSON)
}

// NewEventMessage encodes an event as JSON
func NewEventMessage(topic string, event contracts.Event) (*contracts.Message, error) {
	return NewMessage(topic, contracts.MessageTypeEvent, event, JSON)
}
