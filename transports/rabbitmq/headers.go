package rabbitmq

import (
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-dispatch/contracts"
)

const (
	headerMessageType  = "x-message-type"
	headerHandledCount = "x-handled-count"
	headerDelay        = "x-delay"
	headerTopic        = "x-topic"
)

// toMessage converts a delivery into a wire message. A delivery whose type
// cannot be parsed becomes an unacceptable message.
func toMessage(d amqp.Delivery) *contracts.Message {
	typeName, _ := d.Headers[headerMessageType].(string)
	if typeName == "" {
		typeName = d.Type
	}
	messageType, err := contracts.ParseMessageType(typeName)
	if err != nil {
		messageType = contracts.MessageTypeUnacceptable
	}

	id := d.MessageId
	if id == "" {
		id = uuid.New().String()
	}
	topic, _ := d.Headers[headerTopic].(string)
	if topic == "" {
		topic = d.RoutingKey
	}

	msg := &contracts.Message{
		Header: contracts.MessageHeader{
			ID:            id,
			Topic:         topic,
			MessageType:   messageType,
			HandledCount:  intHeader(d.Headers, headerHandledCount),
			TimeStamp:     d.Timestamp,
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
			ContentType:   d.ContentType,
			Delay:         time.Duration(intHeader(d.Headers, headerDelay)) * time.Millisecond,
		},
		Body: contracts.MessageBody{Bytes: d.Body, ContentType: d.ContentType},
	}
	if msg.Header.TimeStamp.IsZero() {
		msg.Header.TimeStamp = time.Now().UTC()
	}
	return msg
}

// toPublishing converts a wire message into an AMQP publishing
func toPublishing(msg *contracts.Message) amqp.Publishing {
	headers := amqp.Table{
		headerMessageType:  msg.Header.MessageType.String(),
		headerHandledCount: int64(msg.Header.HandledCount),
		headerTopic:        msg.Header.Topic,
	}
	if msg.Header.Delay > 0 {
		headers[headerDelay] = msg.Header.Delay.Milliseconds()
	}

	contentType := msg.Body.ContentType
	if contentType == "" {
		contentType = msg.Header.ContentType
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.Header.CorrelationID,
		ReplyTo:       msg.Header.ReplyTo,
		MessageId:     msg.Header.ID,
		Timestamp:     msg.Header.TimeStamp,
		Type:          msg.Header.MessageType.String(),
		Body:          msg.Body.Bytes,
	}
}

func intHeader(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
