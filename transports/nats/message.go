package nats

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-dispatch/contracts"
)

const (
	HeaderMessageType   = "Mmate-Message-Type"
	HeaderHandledCount  = "Handled-Count"
	HeaderCorrelationID = "Mmate-Correlation-Id"
	HeaderContentType   = "Content-Type"
	HeaderTopic         = "Mmate-Topic"
	HeaderTimestamp     = "Mmate-Timestamp"
)

// ToNATS converts a wire message into a NATS message for subject
func ToNATS(subject string, msg *contracts.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	out.Data = msg.Body.Bytes
	out.Header.Set(nats.MsgIdHdr, msg.Header.ID)
	out.Header.Set(HeaderMessageType, msg.Header.MessageType.String())
	out.Header.Set(HeaderHandledCount, strconv.Itoa(msg.Header.HandledCount))
	out.Header.Set(HeaderTopic, msg.Header.Topic)
	out.Header.Set(HeaderTimestamp, msg.Header.TimeStamp.Format(time.RFC3339Nano))
	if msg.Header.CorrelationID != "" {
		out.Header.Set(HeaderCorrelationID, msg.Header.CorrelationID)
	}
	if ct := msg.Body.ContentType; ct != "" {
		out.Header.Set(HeaderContentType, ct)
	}
	if msg.Header.ReplyTo != "" {
		out.Reply = msg.Header.ReplyTo
	}
	return out
}

// FromNATS converts a NATS message into a wire message. A message without a
// known type header is unacceptable.
func FromNATS(in *nats.Msg) *contracts.Message {
	header := in.Header
	if header == nil {
		header = nats.Header{}
	}

	messageType, err := contracts.ParseMessageType(header.Get(HeaderMessageType))
	if err != nil {
		messageType = contracts.MessageTypeUnacceptable
	}
	handled, _ := strconv.Atoi(header.Get(HeaderHandledCount))

	id := header.Get(nats.MsgIdHdr)
	if id == "" {
		id = uuid.New().String()
	}
	topic := header.Get(HeaderTopic)
	if topic == "" {
		topic = in.Subject
	}
	ts, err := time.Parse(time.RFC3339Nano, header.Get(HeaderTimestamp))
	if err != nil {
		ts = time.Now().UTC()
	}
	contentType := header.Get(HeaderContentType)

	return &contracts.Message{
		Header: contracts.MessageHeader{
			ID:            id,
			Topic:         topic,
			MessageType:   messageType,
			HandledCount:  handled,
			TimeStamp:     ts,
			CorrelationID: header.Get(HeaderCorrelationID),
			ReplyTo:       in.Reply,
			ContentType:   contentType,
		},
		Body: contracts.MessageBody{Bytes: in.Data, ContentType: contentType},
	}
}
