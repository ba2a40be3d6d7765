package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Message type tags as they appear on the UDP wire
const (
	TypeConfirm = 0x00
	TypeReply   = 0x01
	TypeAuth    = 0x02
	TypeJoin    = 0x03
	TypeMsg     = 0x04
	TypeErr     = 0xFE
	TypeBye     = 0xFF

	// TypeUnknown never appears on the wire. It tags messages that failed to decode.
	TypeUnknown = 0xFD
)

// Field length limits
const (
	MaxUsernameLength    = 20
	MaxChannelIDLength   = 20
	MaxSecretLength      = 128
	MaxDisplayNameLength = 20
	MaxContentLength     = 1400
)

var (
	ErrFieldEmpty   = errors.New("field is empty")
	ErrFieldTooLong = errors.New("field exceeds maximum length")
	ErrInvalidField = errors.New("field contains invalid characters")
	ErrNotEncodable = errors.New("message cannot be encoded for this transport")
)

// Message is one IPK24-CHAT protocol message. The set of implementations is
// closed: AuthMessage, JoinMessage, MsgMessage, ErrMessage, ByeMessage,
// ReplyMessage, ConfirmMessage and UnknownMessage.
type Message interface {
	Type() uint8
	encodeText(w io.Writer) error
	encodeBinary(w io.Writer, id uint16) error
}

// AuthMessage (0x02) - first message of every session
type AuthMessage struct {
	Username    string
	DisplayName string
	Secret      string
}

func (m AuthMessage) Type() uint8 { return TypeAuth }

func (m AuthMessage) validate() error {
	if err := checkField("username", m.Username, MaxUsernameLength, isTokenChar); err != nil {
		return err
	}
	if err := checkField("display name", m.DisplayName, MaxDisplayNameLength, isTokenChar); err != nil {
		return err
	}
	return checkField("secret", m.Secret, MaxSecretLength, isTokenChar)
}

func (m AuthMessage) encodeText(w io.Writer) error {
	if err := m.validate(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "AUTH %s AS %s USING %s\r\n", m.Username, m.DisplayName, m.Secret)
	return err
}

func (m AuthMessage) encodeBinary(w io.Writer, id uint16) error {
	if err := m.validate(); err != nil {
		return err
	}
	if err := writeHeader(w, TypeAuth, id); err != nil {
		return err
	}
	if err := WriteCString(w, m.Username); err != nil {
		return err
	}
	if err := WriteCString(w, m.DisplayName); err != nil {
		return err
	}
	return WriteCString(w, m.Secret)
}

// JoinMessage (0x03) - switch to another channel
type JoinMessage struct {
	ChannelID   string
	DisplayName string
}

func (m JoinMessage) Type() uint8 { return TypeJoin }

func (m JoinMessage) validate() error {
	if err := checkField("channel id", m.ChannelID, MaxChannelIDLength, isTokenChar); err != nil {
		return err
	}
	return checkField("display name", m.DisplayName, MaxDisplayNameLength, isTokenChar)
}

func (m JoinMessage) encodeText(w io.Writer) error {
	if err := m.validate(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "JOIN %s AS %s\r\n", m.ChannelID, m.DisplayName)
	return err
}

func (m JoinMessage) encodeBinary(w io.Writer, id uint16) error {
	if err := m.validate(); err != nil {
		return err
	}
	if err := writeHeader(w, TypeJoin, id); err != nil {
		return err
	}
	if err := WriteCString(w, m.ChannelID); err != nil {
		return err
	}
	return WriteCString(w, m.DisplayName)
}

// MsgMessage (0x04) - chat message, also used for server notices
type MsgMessage struct {
	DisplayName string
	Content     string
}

func (m MsgMessage) Type() uint8 { return TypeMsg }

func (m MsgMessage) encodeText(w io.Writer) error {
	return encodeFromText(w, "MSG", m.DisplayName, m.Content)
}

func (m MsgMessage) encodeBinary(w io.Writer, id uint16) error {
	return encodeFromBinary(w, TypeMsg, id, m.DisplayName, m.Content)
}

// ErrMessage (0xFE) - error notification, ends the session
type ErrMessage struct {
	DisplayName string
	Content     string
}

func (m ErrMessage) Type() uint8 { return TypeErr }

func (m ErrMessage) encodeText(w io.Writer) error {
	return encodeFromText(w, "ERR", m.DisplayName, m.Content)
}

func (m ErrMessage) encodeBinary(w io.Writer, id uint16) error {
	return encodeFromBinary(w, TypeErr, id, m.DisplayName, m.Content)
}

// ByeMessage (0xFF) - graceful end of the session
type ByeMessage struct{}

func (m ByeMessage) Type() uint8 { return TypeBye }

func (m ByeMessage) encodeText(w io.Writer) error {
	_, err := io.WriteString(w, "BYE\r\n")
	return err
}

func (m ByeMessage) encodeBinary(w io.Writer, id uint16) error {
	return writeHeader(w, TypeBye, id)
}

// ReplyMessage (0x01) - result of an AUTH or JOIN request.
// RefID is only carried by the UDP encoding.
type ReplyMessage struct {
	Success bool
	Content string
	RefID   uint16
}

func (m ReplyMessage) Type() uint8 { return TypeReply }

func (m ReplyMessage) encodeText(w io.Writer) error {
	if err := checkField("content", m.Content, MaxContentLength, isContentChar); err != nil {
		return err
	}
	result := "NOK"
	if m.Success {
		result = "OK"
	}
	_, err := fmt.Fprintf(w, "REPLY %s IS %s\r\n", result, m.Content)
	return err
}

func (m ReplyMessage) encodeBinary(w io.Writer, id uint16) error {
	if err := checkField("content", m.Content, MaxContentLength, isContentChar); err != nil {
		return err
	}
	if err := writeHeader(w, TypeReply, id); err != nil {
		return err
	}
	if err := WriteBool(w, m.Success); err != nil {
		return err
	}
	if err := WriteUint16(w, m.RefID); err != nil {
		return err
	}
	return WriteCString(w, m.Content)
}

// ConfirmMessage (0x00) - UDP acknowledgment of the message with RefID.
// It has no ID of its own and no text form.
type ConfirmMessage struct {
	RefID uint16
}

func (m ConfirmMessage) Type() uint8 { return TypeConfirm }

func (m ConfirmMessage) encodeText(w io.Writer) error {
	return fmt.Errorf("CONFIRM over tcp: %w", ErrNotEncodable)
}

func (m ConfirmMessage) encodeBinary(w io.Writer, _ uint16) error {
	return writeHeader(w, TypeConfirm, m.RefID)
}

// UnknownMessage is the result of any failed decode
type UnknownMessage struct {
	Reason string
}

func (m UnknownMessage) Type() uint8 { return TypeUnknown }

func (m UnknownMessage) encodeText(w io.Writer) error {
	return fmt.Errorf("unknown message: %w", ErrNotEncodable)
}

func (m UnknownMessage) encodeBinary(w io.Writer, _ uint16) error {
	return fmt.Errorf("unknown message: %w", ErrNotEncodable)
}

func encodeFromText(w io.Writer, keyword, displayName, content string) error {
	if err := checkField("display name", displayName, MaxDisplayNameLength, isTokenChar); err != nil {
		return err
	}
	if err := checkField("content", content, MaxContentLength, isContentChar); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s FROM %s IS %s\r\n", keyword, displayName, content)
	return err
}

func encodeFromBinary(w io.Writer, msgType uint8, id uint16, displayName, content string) error {
	if err := checkField("display name", displayName, MaxDisplayNameLength, isTokenChar); err != nil {
		return err
	}
	if err := checkField("content", content, MaxContentLength, isContentChar); err != nil {
		return err
	}
	if err := writeHeader(w, msgType, id); err != nil {
		return err
	}
	if err := WriteCString(w, displayName); err != nil {
		return err
	}
	return WriteCString(w, content)
}

func writeHeader(w io.Writer, msgType uint8, id uint16) error {
	if err := WriteUint8(w, msgType); err != nil {
		return err
	}
	return WriteUint16(w, id)
}

// TypeName returns the protocol keyword for a message type, used in logs and metric labels
func TypeName(msgType uint8) string {
	switch msgType {
	case TypeConfirm:
		return "CONFIRM"
	case TypeReply:
		return "REPLY"
	case TypeAuth:
		return "AUTH"
	case TypeJoin:
		return "JOIN"
	case TypeMsg:
		return "MSG"
	case TypeErr:
		return "ERR"
	case TypeBye:
		return "BYE"
	default:
		return "UNKNOWN"
	}
}
