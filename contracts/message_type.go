package contracts

import (
	"fmt"
	"strings"
)

// MessageType tags a wire message with the way the pump must treat it
type MessageType int

const (
	// MessageTypeNone marks an empty message, usually a receive timeout
	MessageTypeNone MessageType = iota
	// MessageTypeCommand is dispatched with Send
	MessageTypeCommand
	// MessageTypeEvent is dispatched with Publish
	MessageTypeEvent
	// MessageTypeQuit ends the pump loop
	MessageTypeQuit
	// MessageTypeUnacceptable marks a message the pump cannot process
	MessageTypeUnacceptable
)

var messageTypeNames = map[MessageType]string{
	MessageTypeNone:         "none",
	MessageTypeCommand:      "command",
	MessageTypeEvent:        "event",
	MessageTypeQuit:         "quit",
	MessageTypeUnacceptable: "unacceptable",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// ParseMessageType parses the string form produced by String. Unknown values
// map to MessageTypeUnacceptable together with an error.
func ParseMessageType(s string) (MessageType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for t, name := range messageTypeNames {
		if name == key {
			return t, nil
		}
	}
	// a few broker libraries emit the MT_ prefixed names
	switch key {
	case "mt_none":
		return MessageTypeNone, nil
	case "mt_command":
		return MessageTypeCommand, nil
	case "mt_event":
		return MessageTypeEvent, nil
	case "mt_quit":
		return MessageTypeQuit, nil
	case "mt_unacceptable":
		return MessageTypeUnacceptable, nil
	}
	return MessageTypeUnacceptable, fmt.Errorf("unknown message type %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
