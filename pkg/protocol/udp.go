package protocol

import (
	"bytes"
	"fmt"
)

// HeaderSize is the length of the type tag plus message ID
const HeaderSize = 3

// Packet is a decoded UDP datagram.
// Format: [Type (1 byte)][MessageID (2 bytes, big-endian)][fields...]
type Packet struct {
	ID      uint16
	HasID   bool // false when the datagram was shorter than the header
	Message Message
}

// EncodeUDP renders a message as one datagram. The id is ignored for
// CONFIRM, which carries the referenced ID in its header instead.
func EncodeUDP(m Message, id uint16) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.encodeBinary(buf, id); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeUDP parses one datagram. Truncated buffers, over-long strings and
// unknown type tags yield UnknownMessage; the ID is reported whenever the
// header was complete.
func DecodeUDP(data []byte) Packet {
	if len(data) < HeaderSize {
		return Packet{Message: UnknownMessage{Reason: "truncated header"}}
	}

	r := bytes.NewReader(data)
	msgType, _ := ReadUint8(r)
	id, _ := ReadUint16(r)
	pkt := Packet{ID: id, HasID: true}

	msg, err := decodeBody(msgType, id, r)
	if err != nil {
		pkt.Message = UnknownMessage{Reason: err.Error()}
		return pkt
	}
	pkt.Message = msg
	return pkt
}

func decodeBody(msgType uint8, id uint16, r *bytes.Reader) (Message, error) {
	switch msgType {
	case TypeConfirm:
		return ConfirmMessage{RefID: id}, nil

	case TypeReply:
		result, err := ReadUint8(r)
		if err != nil {
			return nil, fmt.Errorf("REPLY result: %w", err)
		}
		if result > 1 {
			return nil, fmt.Errorf("REPLY result 0x%02X: %w", result, ErrInvalidField)
		}
		refID, err := ReadUint16(r)
		if err != nil {
			return nil, fmt.Errorf("REPLY ref id: %w", err)
		}
		content, err := ReadCString(r, MaxContentLength)
		if err != nil {
			return nil, fmt.Errorf("REPLY content: %w", err)
		}
		msg := ReplyMessage{Success: result == 1, Content: content, RefID: refID}
		if err := checkField("content", content, MaxContentLength, isContentChar); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeAuth:
		username, err := ReadCString(r, MaxUsernameLength)
		if err != nil {
			return nil, fmt.Errorf("AUTH username: %w", err)
		}
		displayName, err := ReadCString(r, MaxDisplayNameLength)
		if err != nil {
			return nil, fmt.Errorf("AUTH display name: %w", err)
		}
		secret, err := ReadCString(r, MaxSecretLength)
		if err != nil {
			return nil, fmt.Errorf("AUTH secret: %w", err)
		}
		msg := AuthMessage{Username: username, DisplayName: displayName, Secret: secret}
		if err := msg.validate(); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeJoin:
		channelID, err := ReadCString(r, MaxChannelIDLength)
		if err != nil {
			return nil, fmt.Errorf("JOIN channel id: %w", err)
		}
		displayName, err := ReadCString(r, MaxDisplayNameLength)
		if err != nil {
			return nil, fmt.Errorf("JOIN display name: %w", err)
		}
		msg := JoinMessage{ChannelID: channelID, DisplayName: displayName}
		if err := msg.validate(); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeMsg, TypeErr:
		displayName, err := ReadCString(r, MaxDisplayNameLength)
		if err != nil {
			return nil, fmt.Errorf("%s display name: %w", TypeName(msgType), err)
		}
		content, err := ReadCString(r, MaxContentLength)
		if err != nil {
			return nil, fmt.Errorf("%s content: %w", TypeName(msgType), err)
		}
		if reason := validateFromIs(displayName, content); reason != "" {
			return nil, fmt.Errorf("%s: %s", TypeName(msgType), reason)
		}
		if msgType == TypeErr {
			return ErrMessage{DisplayName: displayName, Content: content}, nil
		}
		return MsgMessage{DisplayName: displayName, Content: content}, nil

	case TypeBye:
		return ByeMessage{}, nil
	}

	return nil, fmt.Errorf("unknown type 0x%02X", msgType)
}
