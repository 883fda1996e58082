package kafka

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/glimte/mmate-dispatch/contracts"
)

const (
	headerID            = "mmate-id"
	headerMessageType   = "mmate-message-type"
	headerHandledCount  = "mmate-handled-count"
	headerCorrelationID = "mmate-correlation-id"
	headerReplyTo       = "mmate-reply-to"
	headerContentType   = "mmate-content-type"
	headerTopic         = "mmate-topic"
)

// toKafka converts a wire message into a Kafka record keyed by its ID
func toKafka(msg *contracts.Message) kafka.Message {
	headers := []kafka.Header{
		{Key: headerID, Value: []byte(msg.Header.ID)},
		{Key: headerMessageType, Value: []byte(msg.Header.MessageType.String())},
		{Key: headerHandledCount, Value: []byte(strconv.Itoa(msg.Header.HandledCount))},
		{Key: headerTopic, Value: []byte(msg.Header.Topic)},
	}
	if msg.Header.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: headerCorrelationID, Value: []byte(msg.Header.CorrelationID)})
	}
	if msg.Header.ReplyTo != "" {
		headers = append(headers, kafka.Header{Key: headerReplyTo, Value: []byte(msg.Header.ReplyTo)})
	}
	if msg.Body.ContentType != "" {
		headers = append(headers, kafka.Header{Key: headerContentType, Value: []byte(msg.Body.ContentType)})
	}
	return kafka.Message{
		Key:     []byte(msg.Header.ID),
		Value:   msg.Body.Bytes,
		Headers: headers,
		Time:    msg.Header.TimeStamp,
	}
}

// fromKafka converts a record into a wire message. A record without a known
// type header is unacceptable.
func fromKafka(record kafka.Message) *contracts.Message {
	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}

	messageType, err := contracts.ParseMessageType(headers[headerMessageType])
	if err != nil {
		messageType = contracts.MessageTypeUnacceptable
	}
	handled, _ := strconv.Atoi(headers[headerHandledCount])
	id := headers[headerID]
	if id == "" {
		id = uuid.New().String()
	}
	topic := headers[headerTopic]
	if topic == "" {
		topic = record.Topic
	}
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return &contracts.Message{
		Header: contracts.MessageHeader{
			ID:            id,
			Topic:         topic,
			MessageType:   messageType,
			HandledCount:  handled,
			TimeStamp:     ts,
			CorrelationID: headers[headerCorrelationID],
			ReplyTo:       headers[headerReplyTo],
			ContentType:   headers[headerContentType],
		},
		Body: contracts.MessageBody{Bytes: record.Value, ContentType: headers[headerContentType]},
	}
}
