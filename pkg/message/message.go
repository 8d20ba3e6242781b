// Package message implements the constrained-application protocol PDU:
// the message model, the ordered option table, and the binary codec.
package message

import "fmt"

// Type is the transmission class of a message.
type Type uint8

const (
	Confirmable     Type = 0 // requires acknowledgement, retransmitted
	NonConfirmable  Type = 1 // fire and forget
	Acknowledgement Type = 2 // matches a Confirmable by message-id
	Reset           Type = 3 // peer could not process the message
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Reliable reports whether messages of this type are retransmitted
// until acknowledged.
func (t Type) Reliable() bool { return t == Confirmable }

const (
	// Version is the only protocol version the codec accepts.
	Version = 1

	// TokenMaxLen bounds the token field; token-length values 9-15
	// are reserved and rejected on decode.
	TokenMaxLen = 8

	// PayloadMarker separates the option list from the payload.
	PayloadMarker = 0xFF

	// DefaultMTU is the assumed path MTU when the caller does not
	// provide one.
	DefaultMTU = 1152
)

// Message is one protocol data unit.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte
}

// IsEmpty reports whether this is an empty message (code 0.00):
// a bare ACK, an RST, or a ping.
func (m *Message) IsEmpty() bool { return m.Code == Empty }

// IsRequest reports whether the code is a request method.
func (m *Message) IsRequest() bool { return m.Code.IsRequest() }

// IsResponse reports whether the code is a response.
func (m *Message) IsResponse() bool { return m.Code.IsResponse() }

// NewAck builds an empty acknowledgement for the given message-id.
func NewAck(mid uint16) Message {
	return Message{Type: Acknowledgement, Code: Empty, MessageID: mid}
}

// NewReset builds a reset for the given message-id.
func NewReset(mid uint16) Message {
	return Message{Type: Reset, Code: Empty, MessageID: mid}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%#04x tkn=%x opts=%d len=%d",
		m.Type, m.Code, m.MessageID, m.Token, m.Options.Len(), len(m.Payload))
}
